package session

import (
	"strconv"
	"strings"

	"livecode/internal/console"
)

func (session *Session) printSummary() {
	if session.console == nil {
		return
	}
	cfg := session.cfg
	reload := "disabled"
	if session.reload != nil {
		reload = session.reload.Addr()
	}
	app := strings.TrimSpace(strings.Join(append([]string{cfg.App.Command}, cfg.App.Args...), " "))
	if app == "" {
		app = "in-process"
	}
	resources := cfg.ResourceDirectories()
	rows := [][]string{
		{"sources", joinOrNone(cfg.SourceRoots)},
		{"resources", joinOrNone(resources)},
		{"output", cfg.OutputDir},
		{"hot prefixes", joinOrNone(session.hotPrefixes)},
		{"compiler", strings.Join(cfg.Compiler.Command, " ")},
		{"application", app},
		{"livereload", reload},
		{"reconcile", cfg.Watch.ReconcileSchedule},
		{"debounce", cfg.Watch.Debounce.String()},
		{"max watches", strconv.Itoa(cfg.Watch.MaxWatches)},
	}
	session.console.Println(session.console.Styled(console.StyleAccent, "livecode is watching"))
	session.console.Table([]string{"setting", "value"}, rows)
}

func joinOrNone(values []string) string {
	if len(values) == 0 {
		return "none"
	}
	return strings.Join(values, ", ")
}
