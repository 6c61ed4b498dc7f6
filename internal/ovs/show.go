package ovs

import (
	"bufio"
	"strings"
)

// ShowBridge is one bridge group from `ovs-vsctl show`.
type ShowBridge struct {
	Name  string
	Ports []string
}

// ParseShow extracts the bridge and port names from `ovs-vsctl show`
// output, in the order they appear. Lines other than Bridge and Port lines
// are ignored.
func ParseShow(text string) []ShowBridge {
	var (
		out     []ShowBridge
		current *ShowBridge
	)
	flush := func() {
		if current != nil {
			out = append(out, *current)
			current = nil
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "Bridge":
			flush()
			current = &ShowBridge{Name: unquote(fields[1])}
		case "Port":
			if current == nil {
				continue
			}
			current.Ports = append(current.Ports, unquote(fields[1]))
		}
	}
	flush()

	return out
}

func unquote(s string) string {
	return strings.Trim(s, `"'`)
}
