package integration

import "fmt"

// theme is the enum the integration scenarios persist.
type theme int

const (
	themeLight theme = iota
	themeDark
	themeSystem
)

func (t theme) String() string {
	switch t {
	case themeLight:
		return "LIGHT"
	case themeDark:
		return "DARK"
	case themeSystem:
		return "SYSTEM"
	}
	return fmt.Sprintf("theme(%d)", int(t))
}
