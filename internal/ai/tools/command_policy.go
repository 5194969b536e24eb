package tools

import (
	"path"
	"regexp"
	"strings"
	"unicode"
)

// CommandRisk grades a shell command before run_command executes it.
type CommandRisk string

const (
	CommandRiskReadonly  CommandRisk = "readonly"
	CommandRiskMutating  CommandRisk = "mutating"
	CommandRiskDangerous CommandRisk = "dangerous"
)

// ProviderKeyEnv names the variables that hold provider API keys. They are
// dropped from child environments, and commands that name them are refused.
var ProviderKeyEnv = []string{"FLOWERPILOT_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY"}

// CommandAssessment is the verdict for one command line.
type CommandAssessment struct {
	Risk   CommandRisk
	Reason string
	// Command is the line after shell wrappers were stripped.
	Command string
}

var systemDamagePatterns = []*regexp.Regexp{
	regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`),
	regexp.MustCompile(`\brm\s+(?:-[a-z]+\s+)*(?:--no-preserve-root\s+)?(?:/|/\*|~|~/|\$home)\s*(?:$|[;&|])`),
	regexp.MustCompile(`\bmkfs(?:\.[a-z0-9_-]+)?\b`),
	regexp.MustCompile(`\bdd\b[^\n]*\bof=/dev/`),
	regexp.MustCompile(`>\s*/dev/(?:sd|nvme|hd|disk)`),
	regexp.MustCompile(`\bchmod\s+-r\s+[0-7]{3,4}\s+/\s*(?:$|[;&|])`),
	regexp.MustCompile(`\b(?:shutdown|reboot|poweroff|halt)\b`),
}

var secretReadPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(?:` + strings.Join(ProviderKeyEnv, "|") + `)\b`),
	// The agent's own environment still carries the keys.
	regexp.MustCompile(`/proc/[^\s/]+/environ\b`),
	regexp.MustCompile(`\bsecrets\.json\b`),
}

// Verbs that only read local state or print.
var readonlyVerbs = map[string]bool{
	"basename": true, "cat": true, "cut": true, "date": true, "df": true,
	"diff": true, "dirname": true, "du": true, "echo": true, "file": true,
	"grep": true, "head": true, "jq": true, "ls": true, "printf": true,
	"pwd": true, "realpath": true, "rg": true, "sort": true, "stat": true,
	"tail": true, "test": true, "tr": true, "true": true, "uname": true,
	"uniq": true, "wc": true, "which": true, "whoami": true,
}

var readonlyGitSubcommands = map[string]bool{
	"diff": true, "log": true, "ls-files": true, "rev-parse": true, "show": true, "status": true,
}

// Verbs that open a connection to another host.
var egressVerbs = map[string]bool{
	"ftp": true, "nc": true, "ncat": true, "netcat": true, "rsync": true,
	"scp": true, "sftp": true, "socat": true, "ssh": true, "telnet": true,
}

// ClassifyCommandRisk is AssessCommand(command).Risk.
func ClassifyCommandRisk(command string) CommandRisk {
	return AssessCommand(command).Risk
}

// AssessCommand grades a command line. Anything not provably read-only is
// mutating. Reading provider keys or damaging the host is dangerous.
func AssessCommand(command string) CommandAssessment {
	cmd := NormalizeShellCommand(command)
	a := CommandAssessment{Command: cmd}
	if cmd == "" {
		a.Risk, a.Reason = CommandRiskMutating, "empty command"
		return a
	}
	lower := strings.ToLower(cmd)
	for _, p := range systemDamagePatterns {
		if p.MatchString(lower) {
			a.Risk, a.Reason = CommandRiskDangerous, "damages the host system"
			return a
		}
	}
	for _, p := range secretReadPatterns {
		if p.MatchString(cmd) {
			a.Risk, a.Reason = CommandRiskDangerous, "reads provider API keys"
			return a
		}
	}

	a.Risk, a.Reason = CommandRiskReadonly, ""
	for _, seg := range parseShellSegments(cmd) {
		risk, reason := seg.risk()
		if risk != CommandRiskReadonly && a.Risk == CommandRiskReadonly {
			a.Risk, a.Reason = risk, reason
		}
	}
	return a
}

// AssessCommandArgs assesses the "command" argument of a run_command call.
func AssessCommandArgs(args map[string]any) CommandAssessment {
	s, _ := args["command"].(string)
	return AssessCommand(s)
}

// NormalizeShellCommand strips `sh -c '...'` style wrappers so the inner
// command is what gets classified.
func NormalizeShellCommand(command string) string {
	cmd := strings.TrimSpace(command)
	for depth := 0; depth < 4; depth++ {
		m := shellWrapperPattern.FindStringSubmatch(cmd)
		if m == nil {
			break
		}
		inner := m[2]
		if len(inner) < 2 || inner[0] != inner[len(inner)-1] {
			break
		}
		cmd = strings.TrimSpace(inner[1 : len(inner)-1])
	}
	return cmd
}

var shellWrapperPattern = regexp.MustCompile(`^(?:/(?:usr/)?bin/)?(?:env\s+)?(?:ba|z|da)?sh\s+(-[a-z]*c)\s+('.*'|".*")\s*$`)

// shellSegment is one simple command between control operators, with quotes
// removed from its words.
type shellSegment struct {
	words       []string
	writesFile  bool
	substitutes bool
}

func (s shellSegment) risk() (CommandRisk, string) {
	if s.substitutes {
		return CommandRiskMutating, "uses command substitution"
	}
	if s.writesFile {
		return CommandRiskMutating, "redirects output to a file"
	}
	words := s.words
	for len(words) > 0 && isEnvAssignment(words[0]) {
		words = words[1:]
	}
	if len(words) == 0 {
		return CommandRiskMutating, "only assigns variables"
	}
	verb, args := path.Base(words[0]), words[1:]
	switch {
	case verb == "env" || verb == "printenv":
		// Child environments are already scrubbed; `env cmd` is judged by cmd.
		rest := args
		for len(rest) > 0 && (strings.HasPrefix(rest[0], "-") || isEnvAssignment(rest[0])) {
			rest = rest[1:]
		}
		if verb == "printenv" || len(rest) == 0 {
			return CommandRiskReadonly, ""
		}
		return shellSegment{words: rest}.risk()
	case verb == "git":
		if readonlyGitSubcommands[firstNonFlag(args)] {
			return CommandRiskReadonly, ""
		}
		return CommandRiskMutating, "changes the repository"
	case verb == "sed":
		for _, a := range args {
			if isShortFlag(a) && strings.Contains(a, "i") || strings.HasPrefix(a, "--in-place") {
				return CommandRiskMutating, "edits files in place"
			}
		}
		return CommandRiskReadonly, ""
	case verb == "find":
		for _, a := range args {
			switch a {
			case "-delete", "-exec", "-execdir", "-ok", "-okdir", "-fprint", "-fprint0", "-fprintf", "-fls":
				return CommandRiskMutating, "find " + a
			}
		}
		return CommandRiskReadonly, ""
	case verb == "curl":
		return curlRisk(args)
	case verb == "wget":
		return wgetRisk(args)
	case egressVerbs[verb]:
		return CommandRiskMutating, "opens a connection to another host"
	case readonlyVerbs[verb]:
		return CommandRiskReadonly, ""
	}
	return CommandRiskMutating, verb + " is not known to be read-only"
}

// curl is read-only as a plain GET printed to stdout.
func curlRisk(args []string) (CommandRisk, string) {
	for i, a := range args {
		switch {
		case strings.HasPrefix(a, "--data"), strings.HasPrefix(a, "--form"),
			strings.HasPrefix(a, "--json"), strings.HasPrefix(a, "--upload-file"):
			return CommandRiskMutating, "sends data over the network"
		case a == "--output" || strings.HasPrefix(a, "--output=") || a == "--remote-name" || a == "--remote-name-all":
			return CommandRiskMutating, "writes a file"
		case a == "--request" || strings.HasPrefix(a, "--request="):
			method := strings.TrimPrefix(a, "--request=")
			if a == "--request" && i+1 < len(args) {
				method = args[i+1]
			}
			if !isSafeMethod(method) {
				return CommandRiskMutating, "sends data over the network"
			}
		case isShortFlag(a):
			flags := a[1:]
			if j := strings.IndexByte(flags, 'X'); j >= 0 {
				method := flags[j+1:]
				if method == "" && i+1 < len(args) {
					method = args[i+1]
				}
				if !isSafeMethod(method) {
					return CommandRiskMutating, "sends data over the network"
				}
				flags = flags[:j]
			}
			if strings.ContainsAny(flags, "dFT") {
				return CommandRiskMutating, "sends data over the network"
			}
			if strings.ContainsAny(flags, "oO") {
				return CommandRiskMutating, "writes a file"
			}
		}
	}
	return CommandRiskReadonly, ""
}

// wget is read-only only when the document goes to stdout.
func wgetRisk(args []string) (CommandRisk, string) {
	stdout := false
	for i, a := range args {
		switch {
		case strings.HasPrefix(a, "--post-"), strings.HasPrefix(a, "--body-"), strings.HasPrefix(a, "--method"):
			return CommandRiskMutating, "sends data over the network"
		case a == "--output-document=-" || a == "--output-document=/dev/stdout":
			stdout = true
		case isShortFlag(a) && strings.HasSuffix(a, "O-"):
			stdout = true
		case isShortFlag(a) && strings.HasSuffix(a, "O") && i+1 < len(args) && (args[i+1] == "-" || args[i+1] == "/dev/stdout"):
			stdout = true
		}
	}
	if !stdout {
		return CommandRiskMutating, "writes a file"
	}
	return CommandRiskReadonly, ""
}

func isSafeMethod(m string) bool {
	m = strings.ToUpper(strings.Trim(m, `'"`))
	return m == "GET" || m == "HEAD" || m == "OPTIONS"
}

func isShortFlag(a string) bool {
	return len(a) > 1 && a[0] == '-' && a[1] != '-'
}

// parseShellSegments splits cmd at ; & && | || and newlines outside quotes.
// Output redirections to anything but /dev/null or another descriptor mark
// the segment as writing a file.
func parseShellSegments(cmd string) []shellSegment {
	var (
		segs     []shellSegment
		cur      shellSegment
		word     strings.Builder
		inWord   bool
		quote    rune
		redirect bool
	)
	endWord := func() {
		if !inWord {
			return
		}
		w := word.String()
		word.Reset()
		inWord = false
		if redirect {
			redirect = false
			if w != "/dev/null" {
				cur.writesFile = true
			}
			return
		}
		cur.words = append(cur.words, w)
	}
	endSegment := func() {
		endWord()
		if redirect {
			cur.writesFile = true
			redirect = false
		}
		if len(cur.words) > 0 || cur.writesFile || cur.substitutes {
			segs = append(segs, cur)
		}
		cur = shellSegment{}
	}

	runes := []rune(cmd)
	for i := 0; i < len(runes); i++ {
		ch := runes[i]
		if quote == '\'' {
			if ch == quote {
				quote = 0
			} else {
				word.WriteRune(ch)
			}
			continue
		}
		if ch == '`' || ch == '$' && i+1 < len(runes) && runes[i+1] == '(' {
			cur.substitutes = true
		}
		if quote == '"' {
			switch {
			case ch == '"':
				quote = 0
			case ch == '\\' && i+1 < len(runes):
				i++
				word.WriteRune(runes[i])
			default:
				word.WriteRune(ch)
			}
			continue
		}
		switch {
		case ch == '\'' || ch == '"':
			quote = ch
			inWord = true
		case ch == '\\' && i+1 < len(runes):
			i++
			word.WriteRune(runes[i])
			inWord = true
		case ch == '>' || ch == '&' && i+1 < len(runes) && runes[i+1] == '>':
			// A pending word made only of digits is the source descriptor.
			if inWord && isDigits(word.String()) {
				word.Reset()
				inWord = false
			}
			endWord()
			if ch == '&' {
				i++
			}
			for i+1 < len(runes) && runes[i+1] == '>' {
				i++
			}
			if i+1 < len(runes) && runes[i+1] == '&' {
				// Descriptor duplication such as 2>&1.
				i++
				for i+1 < len(runes) && (unicode.IsDigit(runes[i+1]) || runes[i+1] == '-') {
					i++
				}
				continue
			}
			redirect = true
		case ch == ';' || ch == '\n' || ch == '|' || ch == '&':
			endSegment()
			if i+1 < len(runes) && (ch == '|' || ch == '&') && runes[i+1] == ch {
				i++
			}
		case unicode.IsSpace(ch):
			endWord()
		default:
			word.WriteRune(ch)
			inWord = true
		}
	}
	endSegment()
	return segs
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func isEnvAssignment(token string) bool {
	name, _, ok := strings.Cut(token, "=")
	if !ok || name == "" {
		return false
	}
	for i, ch := range name {
		if ch == '_' || unicode.IsLetter(ch) || i > 0 && unicode.IsDigit(ch) {
			continue
		}
		return false
	}
	return true
}

func firstNonFlag(args []string) string {
	for _, a := range args {
		if a != "" && !strings.HasPrefix(a, "-") {
			return a
		}
	}
	return ""
}
