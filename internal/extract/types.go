package extract

// Definition kinds. Not every language produces every kind.
const (
	KindFunction  = "function"
	KindMethod    = "method"
	KindClass     = "class"
	KindInterface = "interface"
	KindType      = "type"
	KindStruct    = "struct"
	KindEnum      = "enum"
	KindTrait     = "trait"
	KindImpl      = "impl"
	KindMacro     = "macro"
	KindModule    = "module"
	KindProtocol  = "protocol"
)

// Definition is one extracted declaration, positioned by 1-based lines.
type Definition struct {
	Name      string
	Kind      string
	Signature string
	Snippet   string
	StartLine int
	EndLine   int
	Exported  bool
}

const (
	// maxDefinitionsPerFile bounds extraction output. Past it the rest
	// of the file is dropped and the caller is told via the truncated
	// return.
	maxDefinitionsPerFile = 500

	// maxBodyScan caps the end-line search at this many lines past
	// the header.
	maxBodyScan = 100

	// snippetLines is how much of the body travels with a definition.
	snippetLines = 12

	minNameLen = 2
	maxNameLen = 100

	maxSignatureLen = 200
)
