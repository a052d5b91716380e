package model

// ThemePreference 是持久化在 "theme" 键下的界面主题。
type ThemePreference string

const (
	ThemeLight  ThemePreference = "light"
	ThemeDark   ThemePreference = "dark"
	ThemeSystem ThemePreference = "system"
)

// ThemeKey 为主题偏好使用的存储键。
const ThemeKey = "theme"

// Valid 判断取值是否为三种合法主题之一。
func (t ThemePreference) Valid() bool {
	switch t {
	case ThemeLight, ThemeDark, ThemeSystem:
		return true
	}
	return false
}

// ResolveDark 计算是否启用暗色模式；system 时跟随 systemPrefersDark。
func (t ThemePreference) ResolveDark(systemPrefersDark bool) bool {
	switch t {
	case ThemeDark:
		return true
	case ThemeLight:
		return false
	default:
		return systemPrefersDark
	}
}
