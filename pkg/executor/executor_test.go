package executor

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDriverScript(t *testing.T) {
	script := driverScript("/envs/add", "/tmp/in.json", "/tmp/out.json")

	assert.Contains(t, script, `sys.path.insert(0, "/envs/add")`)
	assert.Contains(t, script, "from handler import handler")
	assert.Contains(t, script, `with open("/tmp/in.json") as f:`)
	assert.Contains(t, script, "result = handler(payload)")
	assert.Contains(t, script, `with open("/tmp/out.json", "w") as f:`)
}

func TestInlineScript(t *testing.T) {
	tests := []struct {
		name string
		code string
		want []string
	}{
		{
			name: "single expression",
			code: "return input[\"a\"] + input[\"b\"]",
			want: []string{
				"def handler(input):\n    return input[\"a\"] + input[\"b\"]\n",
			},
		},
		{
			name: "multiline body keeps relative indentation",
			code: "x = input[\"a\"]\nif x > 0:\n    return {\"sign\": 1}\nreturn {\"sign\": -1}",
			want: []string{
				"    x = input[\"a\"]\n",
				"    if x > 0:\n",
				"        return {\"sign\": 1}\n",
			},
		},
		{
			name: "empty body becomes pass",
			code: "",
			want: []string{"def handler(input):\n    pass\n"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := inlineScript(tt.code, "/tmp/in.json", "/tmp/out.json")
			for _, fragment := range tt.want {
				assert.Contains(t, script, fragment)
			}
			assert.Contains(t, script, "if not isinstance(result, dict):\n    result = {\"result\": result}\n")
		})
	}
}

func TestInlineScript_EscapesPaths(t *testing.T) {
	script := inlineScript("return 1", `C:\tmp\in.json`, "/tmp/out.json")
	assert.True(t, strings.Contains(script, `"C:\\tmp\\in.json"`))
}

func TestTimeoutMessage(t *testing.T) {
	assert.Equal(t, "Execution timed out after 60 seconds", timeoutMessage(60*time.Second))
	assert.Equal(t, "Execution timed out after 5 seconds", timeoutMessage(5*time.Second))
}
