package emulator

import (
	"strings"
	"testing"
)

func run(t *testing.T, in *Interpreter, line string, wantStatus int) string {
	t.Helper()
	out, status := in.Exec(line)
	if status != wantStatus {
		t.Fatalf("%q: status = %d, want %d (output %q)", line, status, wantStatus, out)
	}
	return out
}

func TestMkdirCdPwd(t *testing.T) {
	in := New()
	run(t, in, "mkdir foo", 0)
	run(t, in, "cd foo", 0)
	out := run(t, in, "pwd", 0)
	if !strings.HasSuffix(strings.TrimSpace(out), "/foo") {
		t.Errorf("pwd = %q, want suffix /foo", out)
	}
	if in.Cwd() != DefaultHome+"/foo" {
		t.Errorf("cwd = %q", in.Cwd())
	}
}

func TestCommandNotFound(t *testing.T) {
	in := New()
	out := run(t, in, "vim notes.txt", StatusNotFound)
	if out != "vim: command not found\n" {
		t.Errorf("output = %q", out)
	}
	if !strings.HasPrefix(in.Prompt(), "[127]") {
		t.Errorf("prompt = %q, want status shown", in.Prompt())
	}
	run(t, in, "true-ish", StatusNotFound)
	if got := run(t, in, "echo $?", 0); got != "127\n" {
		t.Errorf("echo $? = %q", got)
	}
}

func TestFiles(t *testing.T) {
	in := New()
	run(t, in, "touch a.txt b.txt", 0)
	run(t, in, "mkdir -p x/y/z", 0)
	if got := run(t, in, "ls", 0); got != "README\na.txt\nb.txt\nx/\n" {
		t.Errorf("ls = %q", got)
	}
	if got := run(t, in, "ls x", 0); got != "y/\n" {
		t.Errorf("ls x = %q", got)
	}
	if got := run(t, in, "cat README", 0); !strings.Contains(got, "Local emulator") {
		t.Errorf("cat README = %q", got)
	}
	run(t, in, "cat a.txt", 0)
	run(t, in, "cat missing", StatusError)
	run(t, in, "cat x", StatusError)

	run(t, in, "rm a.txt", 0)
	run(t, in, "rm a.txt", StatusError)
	run(t, in, "rm x", StatusError)
	run(t, in, "rmdir x", StatusError)
	run(t, in, "rm -r x", 0)
	if got := run(t, in, "ls", 0); got != "README\nb.txt\n" {
		t.Errorf("ls after rm = %q", got)
	}

	run(t, in, "mkdir empty", 0)
	run(t, in, "rmdir empty", 0)
	run(t, in, "rmdir empty", StatusError)
}

func TestMkdirErrors(t *testing.T) {
	in := New()
	run(t, in, "mkdir", StatusError)
	run(t, in, "mkdir a/b", StatusError)
	run(t, in, "mkdir a", 0)
	run(t, in, "mkdir a", StatusError)
	run(t, in, "mkdir -p a", 0)
	run(t, in, "touch f", 0)
	run(t, in, "mkdir f", StatusError)
	run(t, in, "mkdir -p f/g", StatusError)
}

func TestCdEdgeCases(t *testing.T) {
	in := New()
	run(t, in, "cd /tmp", 0)
	run(t, in, "cd ..", 0)
	if in.Cwd() != "/" {
		t.Errorf("cwd = %q", in.Cwd())
	}
	run(t, in, "cd ..", 0)
	if in.Cwd() != "/" {
		t.Errorf("cd above root: %q", in.Cwd())
	}
	run(t, in, "cd", 0)
	if in.Cwd() != DefaultHome {
		t.Errorf("bare cd: %q", in.Cwd())
	}
	run(t, in, "cd nope", StatusError)
	run(t, in, "cd README", StatusError)
	run(t, in, "cd ~/", 0)
	if in.Prompt() != "~ $ " {
		t.Errorf("prompt = %q", in.Prompt())
	}
}

func TestEchoAndEnv(t *testing.T) {
	in := New()
	run(t, in, "export GREETING=hello NAME=world", 0)
	tests := []struct {
		line string
		want string
	}{
		{`echo $GREETING $NAME`, "hello world\n"},
		{`echo "$GREETING,   $NAME"`, "hello,   world\n"},
		{`echo '$GREETING   x'`, "hello   x\n"},
		{`echo ${NAME}s`, "worlds\n"},
		{`echo $UNSET x`, "x\n"},
		{`echo "$UNSET" x`, " x\n"},
		{`echo $ 5`, "$ 5\n"},
		{`echo "a;b" a\|b`, "a;b a|b\n"},
		{`echo`, "\n"},
	}
	for _, tt := range tests {
		if got := run(t, in, tt.line, 0); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.line, got, tt.want)
		}
	}
	if got := run(t, in, "env", 0); !strings.Contains(got, "GREETING=hello\n") || !strings.Contains(got, "HOME=/home/user\n") {
		t.Errorf("env = %q", got)
	}
	run(t, in, "export 1abc=x", StatusError)
}

func TestExpandedValuesStayLiteral(t *testing.T) {
	in := New()
	run(t, in, `export Q="it's" OP="a;b|c"`, 0)
	if got := run(t, in, `echo $Q "$Q"`, 0); got != "it's it's\n" {
		t.Errorf("echo = %q", got)
	}
	if got := run(t, in, `echo $OP`, 0); got != "a;b|c\n" {
		t.Errorf("echo = %q", got)
	}
}

func TestOperatorsRejected(t *testing.T) {
	in := New()
	for _, line := range []string{"echo a | cat", "echo a > f", "pwd; ls", "echo a && echo b"} {
		out := run(t, in, line, StatusError)
		if !strings.Contains(out, "not supported") {
			t.Errorf("%q: output %q", line, out)
		}
	}
}

func TestBadInputNeverPanics(t *testing.T) {
	in := New()
	for _, line := range []string{`echo "open`, `'`, "rm", "touch", "rm -r /", "\x00\xff", "cd /../../..", "exit nope", "ls / /nope"} {
		out, status := in.Exec(line)
		_ = out
		if line == "cd /../../.." && status != 0 {
			t.Errorf("%q: status %d", line, status)
		}
	}
	run(t, in, `echo "open`, StatusError)
}

func TestExit(t *testing.T) {
	in := New()
	run(t, in, "exit 3", 3)
	if !in.Exited() {
		t.Error("exit did not mark the interpreter")
	}
}

func TestHelpAndClear(t *testing.T) {
	in := New()
	if got := run(t, in, "help", 0); !strings.Contains(got, "mkdir") {
		t.Errorf("help = %q", got)
	}
	if got := run(t, in, "clear", 0); got != ClearScreen {
		t.Errorf("clear = %q", got)
	}
}

func TestChdir(t *testing.T) {
	in := New()
	run(t, in, `mkdir "a b" "it's"`, 0)
	for _, dir := range []string{"a b", "it's", DefaultHome + "/it's", "~/a b"} {
		if err := in.Chdir(dir); err != nil {
			t.Errorf("Chdir(%q): %v", dir, err)
		}
		in.Chdir(DefaultHome)
	}
	if err := in.Chdir("README"); err == nil || !strings.Contains(err.Error(), "Not a directory") {
		t.Errorf("Chdir(README) = %v", err)
	}
	if err := in.Chdir("nope"); err == nil {
		t.Error("Chdir(nope) succeeded")
	}
	if in.Cwd() != DefaultHome {
		t.Errorf("failed Chdir moved cwd to %q", in.Cwd())
	}
}
