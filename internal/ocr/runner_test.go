package ocr

import (
	"context"
	"sync"
)

// fakeRunner records invocations and answers them through fn
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	fn    func(name string, args []string) ([]byte, []byte, error)
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()
	return f.fn(name, args)
}

func (f *fakeRunner) callsTo(name string) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for _, c := range f.calls {
		if c[0] == name {
			out = append(out, c)
		}
	}
	return out
}

func isTSV(args []string) bool {
	return len(args) > 0 && args[len(args)-1] == "tsv"
}

func psmOf(args []string) string {
	for i, a := range args {
		if a == "--psm" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

func hasWhitelist(args []string) bool {
	for _, a := range args {
		if len(a) > 24 && a[:24] == "tessedit_char_whitelist=" {
			return true
		}
	}
	return false
}

func tsvWithConfidences(confs ...string) []byte {
	out := "level\tpage_num\tblock_num\tpar_num\tline_num\tword_num\tleft\ttop\twidth\theight\tconf\ttext\n"
	for i, c := range confs {
		out += "5\t1\t1\t1\t1\t" + string(rune('1'+i)) + "\t10\t20\t30\t40\t" + c + "\tword\n"
	}
	return []byte(out)
}
