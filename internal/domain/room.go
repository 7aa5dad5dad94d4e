package domain

// RoomID names a collaboration session. Caller-supplied and opaque.
type RoomID string

// Language is a selectable code language for a room's shared buffer.
type Language string

const (
	LangJavaScript Language = "javascript"
	LangPython     Language = "python"
	LangJava       Language = "java"
	LangCPP        Language = "cpp"
	LangHTML       Language = "html"
	LangCSS        Language = "css"
)

// DefaultLanguage is the selection every room starts with.
const DefaultLanguage = LangJavaScript

func (l Language) Valid() bool {
	switch l {
	case LangJavaScript, LangPython, LangJava, LangCPP, LangHTML, LangCSS:
		return true
	}
	return false
}

// Markup reports whether the language is previewed client-side
// instead of being executed.
func (l Language) Markup() bool {
	return l == LangHTML || l == LangCSS
}
