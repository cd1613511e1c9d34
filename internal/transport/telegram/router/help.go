package router

import (
	"fmt"
	"strings"
)

func (m *CommandManager) helpText(args []string, owner bool) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(args) > 0 {
		c, ok := m.cmds[sanitizeCommand(args[0])]
		if !ok {
			return "unknown command: " + args[0]
		}
		var b strings.Builder
		fmt.Fprintf(&b, "/%s: %s", c.Name, c.Description)
		if c.Usage != "" {
			fmt.Fprintf(&b, "\nusage: %s", c.Usage)
		}
		if len(c.Aliases) > 0 {
			fmt.Fprintf(&b, "\naliases: /%s", strings.Join(c.Aliases, ", /"))
		}
		if c.Access == AccessOwnerOnly {
			b.WriteString("\n(owner only)")
		}
		return b.String()
	}

	var b strings.Builder
	b.WriteString("Commands:")
	for _, name := range m.order {
		c := m.cmds[name]
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		fmt.Fprintf(&b, "\n%s  %s", usage, c.Description)
	}
	return b.String()
}
