package plugin

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

const echoSource = `
Echo = { name = "Echo", version = "1.0.0" }

function Echo:execute(ctx)
  return plugin.successful("ok", ctx:get("in") .. "!")
end
`

const complexSource = `
local Complex = { name = "Complex", version = "1.0.0" }
Complex.__index = Complex

function Complex:new()
  return setmetatable({ calls = 0 }, self)
end

function Complex:execute(ctx)
  local nums = ctx:get("numbers")
  plugin.sleep(5)
  local sum = 0
  for _, n in ipairs(nums) do
    sum = sum + n
  end
  self.calls = self.calls + 1
  return plugin.successful("sum", { sum = sum, calls = self.calls })
end

return Complex
`

const sleeperSource = `
Sleeper = { name = "Sleeper", version = "1.0.0" }

function Sleeper:execute(ctx)
  local ms, ok = ctx:try_get("ms")
  if not ok then ms = 10000 end
  plugin.sleep(ms)
  return plugin.successful("slept")
end
`

const spinSource = `
Spin = { name = "Spin", version = "1.0.0" }

function Spin:execute(ctx)
  while true do end
end
`

func versionedSource(name, version string) string {
	return fmt.Sprintf(`
%[1]s = { name = %[1]q, version = %[2]q }

function %[1]s:execute(ctx)
  return plugin.successful(%[2]q, self.version)
end
`, name, version)
}

func mustCompile(t *testing.T, source, name string, opts ...LoadOption) *Instance {
	t.Helper()
	inst, err := CompilePlugin(source, name, opts...)
	require.NoError(t, err)
	t.Cleanup(inst.Arena().Release)
	return inst
}

func borrowed(a *Arena) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.borrowed
}

func inflight(a *Arena) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inflight
}
