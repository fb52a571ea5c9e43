// Package emulator is a small line interpreter over an in-memory filesystem.
// It backs the local fallback terminal when no real shell is reachable.
package emulator

import (
	"errors"
	"fmt"
	"os"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"
)

const (
	DefaultHome = "/home/user"

	StatusOK       = 0
	StatusError    = 1
	StatusNotFound = 127
)

// ClearScreen is the output of the clear command.
const ClearScreen = "\x1b[H\x1b[2J"

type command func(in *Interpreter, args []string) (string, int)

var commands map[string]command

func init() {
	commands = map[string]command{
		"cd":     (*Interpreter).cd,
		"ls":     (*Interpreter).ls,
		"cat":    (*Interpreter).cat,
		"touch":  (*Interpreter).touch,
		"mkdir":  (*Interpreter).mkdir,
		"rm":     (*Interpreter).rm,
		"rmdir":  (*Interpreter).rmdir,
		"pwd":    (*Interpreter).pwd,
		"echo":   (*Interpreter).echo,
		"env":    (*Interpreter).env,
		"export": (*Interpreter).export,
		"help":   (*Interpreter).help,
		"clear":  (*Interpreter).clear,
		"exit":   (*Interpreter).exit,
	}
}

// Interpreter holds the virtual working directory, filesystem and
// environment. It is not safe for concurrent use.
type Interpreter struct {
	cwd    string
	dirs   map[string]bool
	files  map[string]string
	vars   map[string]string
	status int
	exited bool
}

func New() *Interpreter {
	in := &Interpreter{
		cwd:   DefaultHome,
		dirs:  map[string]bool{"/": true, "/home": true, DefaultHome: true, "/tmp": true},
		files: map[string]string{},
		vars: map[string]string{
			"HOME":  DefaultHome,
			"USER":  "user",
			"SHELL": "local-emulator",
			"PWD":   DefaultHome,
		},
	}
	in.files[path.Join(DefaultHome, "README")] = "Local emulator: the remote shell is unavailable.\nType 'help' for the supported commands.\n"
	return in
}

func (in *Interpreter) Cwd() string  { return in.cwd }
func (in *Interpreter) Status() int  { return in.status }
func (in *Interpreter) Exited() bool { return in.exited }

// SetStatus overrides the last exit status, e.g. after an interrupt.
func (in *Interpreter) SetStatus(code int) { in.status = code }

// Resume clears the exited flag set by the exit command.
func (in *Interpreter) Resume() { in.exited = false }

// Prompt renders the prompt, including the last status when it is non-zero.
func (in *Interpreter) Prompt() string {
	dir := in.cwd
	if dir == DefaultHome {
		dir = "~"
	} else if strings.HasPrefix(dir, DefaultHome+"/") {
		dir = "~" + strings.TrimPrefix(dir, DefaultHome)
	}
	if in.status != 0 {
		return fmt.Sprintf("[%d] %s $ ", in.status, dir)
	}
	return dir + " $ "
}

// Exec runs one input line and returns its output and exit status. Output
// lines end in "\n". Exec never panics; bad input yields a non-zero status.
func (in *Interpreter) Exec(line string) (out string, status int) {
	defer func() {
		if r := recover(); r != nil {
			out, status = fmt.Sprintf("emulator: internal error: %v\n", r), StatusError
		}
		in.status = status
	}()

	args, err := in.split(line)
	if err != nil {
		return "emulator: " + err.Error() + "\n", StatusError
	}
	if len(args) == 0 {
		return "", in.status
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return args[0] + ": command not found\n", StatusNotFound
	}
	return cmd(in, args[1:])
}

// split expands $VAR and $? and breaks the line into words. Expansion runs
// before quote removal, so variables expand inside single quotes too.
// Expanded values are escaped and never start new quotes or operators.
func (in *Interpreter) split(line string) ([]string, error) {
	expanded := os.Expand(line, func(name string) string {
		return valueEscaper.Replace(in.lookup(name))
	})
	p := shellwords.NewParser()
	words, err := p.Parse(expanded)
	if err != nil {
		return nil, err
	}
	if p.Position >= 0 {
		return nil, errors.New("pipes, redirects and command lists are not supported")
	}
	return words, nil
}

var valueEscaper = strings.NewReplacer(
	`\`, `\\`, `'`, `\'`, `"`, `\"`, "`", "\\`",
	";", `\;`, "&", `\&`, "|", `\|`, "<", `\<`, ">", `\>`, "(", `\(`, ")", `\)`,
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func (in *Interpreter) lookup(name string) string {
	if name == "?" {
		return strconv.Itoa(in.status)
	}
	return in.vars[name]
}

func (in *Interpreter) resolve(p string) string {
	switch {
	case p == "~":
		p = DefaultHome
	case strings.HasPrefix(p, "~/"):
		p = DefaultHome + p[1:]
	case !path.IsAbs(p):
		p = path.Join(in.cwd, p)
	}
	return path.Clean(p)
}

func (in *Interpreter) exists(p string) bool {
	_, isFile := in.files[p]
	return in.dirs[p] || isFile
}

// Chdir changes the working directory without going through the parser.
func (in *Interpreter) Chdir(p string) error {
	target := in.resolve(p)
	if !in.dirs[target] {
		if _, ok := in.files[target]; ok {
			return fmt.Errorf("cd: %s: Not a directory", p)
		}
		return fmt.Errorf("cd: %s: No such file or directory", p)
	}
	in.cwd = target
	in.vars["PWD"] = target
	return nil
}

func (in *Interpreter) cd(args []string) (string, int) {
	target := DefaultHome
	if len(args) > 0 {
		target = args[0]
	}
	if err := in.Chdir(target); err != nil {
		return err.Error() + "\n", StatusError
	}
	return "", StatusOK
}

func (in *Interpreter) children(dir string) []string {
	var names []string
	prefix := dir + "/"
	if dir == "/" {
		prefix = "/"
	}
	add := func(p string, isDir bool) {
		if p == dir || !strings.HasPrefix(p, prefix) {
			return
		}
		rest := strings.TrimPrefix(p, prefix)
		if rest == "" || strings.Contains(rest, "/") {
			return
		}
		if isDir {
			rest += "/"
		}
		names = append(names, rest)
	}
	for d := range in.dirs {
		add(d, true)
	}
	for f := range in.files {
		add(f, false)
	}
	sort.Strings(names)
	return names
}

func (in *Interpreter) ls(args []string) (string, int) {
	if len(args) == 0 {
		args = []string{"."}
	}
	var b strings.Builder
	status := StatusOK
	for i, a := range args {
		p := in.resolve(a)
		switch {
		case in.dirs[p]:
			if len(args) > 1 {
				if i > 0 {
					b.WriteString("\n")
				}
				fmt.Fprintf(&b, "%s:\n", a)
			}
			for _, name := range in.children(p) {
				b.WriteString(name + "\n")
			}
		case in.exists(p):
			b.WriteString(a + "\n")
		default:
			fmt.Fprintf(&b, "ls: %s: No such file or directory\n", a)
			status = StatusError
		}
	}
	return b.String(), status
}

func (in *Interpreter) cat(args []string) (string, int) {
	if len(args) == 0 {
		return "cat: missing operand\n", StatusError
	}
	var b strings.Builder
	status := StatusOK
	for _, a := range args {
		p := in.resolve(a)
		if in.dirs[p] {
			fmt.Fprintf(&b, "cat: %s: Is a directory\n", a)
			status = StatusError
			continue
		}
		content, ok := in.files[p]
		if !ok {
			fmt.Fprintf(&b, "cat: %s: No such file or directory\n", a)
			status = StatusError
			continue
		}
		b.WriteString(content)
	}
	return b.String(), status
}

func (in *Interpreter) touch(args []string) (string, int) {
	if len(args) == 0 {
		return "touch: missing operand\n", StatusError
	}
	var b strings.Builder
	status := StatusOK
	for _, a := range args {
		p := in.resolve(a)
		if in.exists(p) {
			continue
		}
		if !in.dirs[path.Dir(p)] {
			fmt.Fprintf(&b, "touch: %s: No such file or directory\n", a)
			status = StatusError
			continue
		}
		in.files[p] = ""
	}
	return b.String(), status
}

func (in *Interpreter) mkdir(args []string) (string, int) {
	parents := false
	var targets []string
	for _, a := range args {
		if a == "-p" {
			parents = true
			continue
		}
		targets = append(targets, a)
	}
	if len(targets) == 0 {
		return "mkdir: missing operand\n", StatusError
	}
	var b strings.Builder
	status := StatusOK
	for _, a := range targets {
		p := in.resolve(a)
		if _, isFile := in.files[p]; isFile {
			fmt.Fprintf(&b, "mkdir: %s: File exists\n", a)
			status = StatusError
			continue
		}
		if in.dirs[p] {
			if !parents {
				fmt.Fprintf(&b, "mkdir: %s: File exists\n", a)
				status = StatusError
			}
			continue
		}
		if parents {
			if err := in.mkdirAll(p); err != "" {
				fmt.Fprintf(&b, "mkdir: %s: %s\n", a, err)
				status = StatusError
			}
			continue
		}
		if !in.dirs[path.Dir(p)] {
			fmt.Fprintf(&b, "mkdir: %s: No such file or directory\n", a)
			status = StatusError
			continue
		}
		in.dirs[p] = true
	}
	return b.String(), status
}

func (in *Interpreter) mkdirAll(p string) string {
	var chain []string
	for d := p; !in.dirs[d]; d = path.Dir(d) {
		if _, isFile := in.files[d]; isFile {
			return "Not a directory"
		}
		chain = append(chain, d)
	}
	for _, d := range chain {
		in.dirs[d] = true
	}
	return ""
}

func (in *Interpreter) rm(args []string) (string, int) {
	recursive := false
	var targets []string
	for _, a := range args {
		switch a {
		case "-r", "-rf", "-fr", "-R":
			recursive = true
		default:
			targets = append(targets, a)
		}
	}
	if len(targets) == 0 {
		return "rm: missing operand\n", StatusError
	}
	var b strings.Builder
	status := StatusOK
	for _, a := range targets {
		p := in.resolve(a)
		if _, ok := in.files[p]; ok {
			delete(in.files, p)
			continue
		}
		if !in.dirs[p] {
			fmt.Fprintf(&b, "rm: %s: No such file or directory\n", a)
			status = StatusError
			continue
		}
		if !recursive {
			fmt.Fprintf(&b, "rm: %s: is a directory\n", a)
			status = StatusError
			continue
		}
		if p == "/" || in.cwd == p || strings.HasPrefix(in.cwd, p+"/") {
			fmt.Fprintf(&b, "rm: %s: refusing to remove the current directory\n", a)
			status = StatusError
			continue
		}
		in.removeTree(p)
	}
	return b.String(), status
}

func (in *Interpreter) removeTree(p string) {
	prefix := p + "/"
	for d := range in.dirs {
		if d == p || strings.HasPrefix(d, prefix) {
			delete(in.dirs, d)
		}
	}
	for f := range in.files {
		if strings.HasPrefix(f, prefix) {
			delete(in.files, f)
		}
	}
}

func (in *Interpreter) rmdir(args []string) (string, int) {
	if len(args) == 0 {
		return "rmdir: missing operand\n", StatusError
	}
	var b strings.Builder
	status := StatusOK
	for _, a := range args {
		p := in.resolve(a)
		switch {
		case !in.dirs[p]:
			fmt.Fprintf(&b, "rmdir: %s: No such directory\n", a)
			status = StatusError
		case len(in.children(p)) > 0:
			fmt.Fprintf(&b, "rmdir: %s: Directory not empty\n", a)
			status = StatusError
		case p == "/" || p == in.cwd:
			fmt.Fprintf(&b, "rmdir: %s: Device or resource busy\n", a)
			status = StatusError
		default:
			delete(in.dirs, p)
		}
	}
	return b.String(), status
}

func (in *Interpreter) pwd([]string) (string, int) {
	return in.cwd + "\n", StatusOK
}

func (in *Interpreter) echo(args []string) (string, int) {
	return strings.Join(args, " ") + "\n", StatusOK
}

func (in *Interpreter) env([]string) (string, int) {
	keys := make([]string, 0, len(in.vars))
	for k := range in.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, in.vars[k])
	}
	return b.String(), StatusOK
}

func (in *Interpreter) export(args []string) (string, int) {
	if len(args) == 0 {
		return in.env(nil)
	}
	var b strings.Builder
	status := StatusOK
	for _, a := range args {
		k, v, _ := strings.Cut(a, "=")
		if !identRe.MatchString(k) {
			fmt.Fprintf(&b, "export: %s: not a valid identifier\n", a)
			status = StatusError
			continue
		}
		in.vars[k] = v
	}
	return b.String(), status
}

func (in *Interpreter) help([]string) (string, int) {
	names := make([]string, 0, len(commands))
	for n := range commands {
		names = append(names, n)
	}
	sort.Strings(names)
	return "Local emulator commands: " + strings.Join(names, " ") + "\n", StatusOK
}

func (in *Interpreter) clear([]string) (string, int) {
	return ClearScreen, StatusOK
}

func (in *Interpreter) exit(args []string) (string, int) {
	code := in.status
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Sprintf("exit: %s: numeric argument required\n", args[0]), StatusError
		}
		code = n & 0xff
	}
	in.exited = true
	return "", code
}
