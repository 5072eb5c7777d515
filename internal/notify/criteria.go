// Package notify raises desktop notifications for EXEC events that match
// configured criteria.
package notify

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/valer-cara/pobserve/internal/config"
	"github.com/valer-cara/pobserve/internal/event"
)

// Criterion is a compiled config.Criterion.
type Criterion struct {
	Name            string
	nameRegex       *regexp.Regexp
	cmdlineContains []string
	username        string
	notifyTitle     string
	notifyBody      string
	urgency         string
}

// Build compiles raw criteria, filling in defaults.
func Build(raw []config.Criterion) ([]*Criterion, error) {
	out := make([]*Criterion, 0, len(raw))
	for _, r := range raw {
		c := &Criterion{
			Name:            r.Name,
			cmdlineContains: r.Match.CmdlineContains,
			username:        r.Match.Username,
			notifyTitle:     r.NotifyTitle,
			notifyBody:      r.NotifyBody,
			urgency:         r.Urgency,
		}
		if c.urgency == "" {
			c.urgency = "normal"
		}
		if c.notifyTitle == "" {
			c.notifyTitle = "Process started"
		}
		if c.notifyBody == "" {
			c.notifyBody = "PID {pid}: {cmdline}"
		}
		if r.Match.NameRegex != "" {
			re, err := regexp.Compile("(?i)" + r.Match.NameRegex)
			if err != nil {
				return nil, fmt.Errorf("criterion %q: invalid name_regex: %w", r.Name, err)
			}
			c.nameRegex = re
		}
		out = append(out, c)
	}
	return out, nil
}

// Process is what criteria are matched against.
type Process struct {
	PID      int32
	PPID     int32
	Name     string
	Path     string
	Cmdline  string
	CWD      string
	Username string
}

func processOf(ev *event.ExecEvent, username string) Process {
	return Process{
		PID:      ev.PID,
		PPID:     ev.PPID,
		Name:     filepath.Base(ev.Path),
		Path:     ev.Path,
		Cmdline:  strings.Join(ev.Argv, " "),
		CWD:      ev.CWD,
		Username: username,
	}
}

// Matches reports whether p satisfies every condition of c.
func (c *Criterion) Matches(p Process) bool {
	if c.nameRegex != nil && !c.nameRegex.MatchString(p.Name) {
		return false
	}
	for _, term := range c.cmdlineContains {
		if !strings.Contains(p.Cmdline, term) {
			return false
		}
	}
	if c.username != "" && p.Username != c.username {
		return false
	}
	return true
}

// needsUsername reports whether matching c requires a username lookup.
func (c *Criterion) needsUsername() bool {
	return c.username != "" ||
		strings.Contains(c.notifyTitle, "{username}") ||
		strings.Contains(c.notifyBody, "{username}")
}

// Format renders the title and body for p.
func (c *Criterion) Format(p Process) (string, string) {
	vars := map[string]string{
		"name":     p.Name,
		"pid":      strconv.Itoa(int(p.PID)),
		"ppid":     strconv.Itoa(int(p.PPID)),
		"path":     p.Path,
		"cmdline":  p.Cmdline,
		"cwd":      p.CWD,
		"username": p.Username,
	}
	return formatTemplate(c.notifyTitle, vars), formatTemplate(c.notifyBody, vars)
}

// tmplVar matches {key} placeholders.
var tmplVar = regexp.MustCompile(`\{(\w+)\}`)

func formatTemplate(tmpl string, vars map[string]string) string {
	return tmplVar.ReplaceAllStringFunc(tmpl, func(m string) string {
		if v, ok := vars[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}
