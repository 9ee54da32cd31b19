package datacell

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// OSRunner implements ScriptRunner by spawning the real language
// interpreters. The cell body is written to a temp file and driven by a
// fixed harness that binds inputs from stdin and prints the result as
// the final JSON line.
type OSRunner struct {
	// WorkDir is where temp scripts are written; empty means os.TempDir.
	WorkDir string
}

// Interpreter commands per language. Clojure runs under babashka.
var interpreters = map[string][]string{
	"python":     {"python3"},
	"javascript": {"node"},
	"clojure":    {"bb"},
}

func (r *OSRunner) Start(ctx context.Context, language, script string, stdin []byte) (io.ReadCloser, func() error, error) {
	argv, ok := interpreters[language]
	if !ok {
		return nil, nil, fmt.Errorf("unsupported script language %q", language)
	}

	dir := r.WorkDir
	if dir == "" {
		dir = os.TempDir()
	}
	codeFile, err := os.CreateTemp(dir, "cell-*."+ext(language))
	if err != nil {
		return nil, nil, fmt.Errorf("create cell script: %w", err)
	}
	codePath := codeFile.Name()
	if _, err := codeFile.WriteString(script); err != nil {
		codeFile.Close() //nolint:errcheck
		return nil, nil, fmt.Errorf("write cell script: %w", err)
	}
	if err := codeFile.Close(); err != nil {
		return nil, nil, fmt.Errorf("write cell script: %w", err)
	}
	harnessPath := codePath + ".harness"
	if err := os.WriteFile(harnessPath, []byte(harness(language)), 0o600); err != nil {
		return nil, nil, fmt.Errorf("write cell harness: %w", err)
	}

	args := append(argv[1:], harnessPath, codePath)
	cmd := exec.CommandContext(ctx, argv[0], args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stderr = os.Stderr

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, err
	}

	wait := func() error {
		defer os.Remove(codePath)    //nolint:errcheck
		defer os.Remove(harnessPath) //nolint:errcheck
		return cmd.Wait()
	}
	return stdoutPipe, wait, nil
}

func ext(language string) string {
	switch language {
	case "python":
		return "py"
	case "javascript":
		return "js"
	case "clojure":
		return "clj"
	}
	return "txt"
}

// harness returns the fixed driver program for a language. Each driver
// reads {"inputs":..., "db_path":...} from stdin, executes the cell code
// with `inputs` and `db_path` bound, and prints either the value of
// `result` or a caught-exception envelope as the final stdout line.
func harness(language string) string {
	switch language {
	case "python":
		return pyHarness
	case "javascript":
		return jsHarness
	case "clojure":
		return cljHarness
	}
	return ""
}

const pyHarness = `import sys, json, traceback
payload = json.load(sys.stdin)
scope = {"inputs": payload.get("inputs", {}), "db_path": payload.get("db_path"), "result": None}
try:
    with open(sys.argv[1]) as f:
        code = f.read()
    exec(compile(code, sys.argv[1], "exec"), scope)
    print(json.dumps(scope.get("result")))
except Exception as e:
    print(json.dumps({"_route": "error", "error": str(e), "traceback": traceback.format_exc()}))
`

const jsHarness = `const fs = require("fs");
const payload = JSON.parse(fs.readFileSync(0, "utf8"));
globalThis.inputs = payload.inputs || {};
globalThis.db_path = payload.db_path || null;
globalThis.result = null;
try {
  const code = fs.readFileSync(process.argv[2], "utf8");
  eval(code);
  console.log(JSON.stringify(globalThis.result === undefined ? null : globalThis.result));
} catch (e) {
  console.log(JSON.stringify({_route: "error", error: String(e && e.message || e), traceback: String(e && e.stack || "")}));
}
`

const cljHarness = `(require '[cheshire.core :as json])
(let [payload (json/parse-string (slurp *in*) true)]
  (intern *ns* 'inputs (:inputs payload))
  (intern *ns* 'db-path (:db_path payload))
  (try
    (let [result (load-file (first *command-line-args*))]
      (println (json/generate-string result)))
    (catch Exception e
      (println (json/generate-string {:_route "error"
                                      :error (.getMessage e)
                                      :traceback (with-out-str (.printStackTrace e))})))))
`
