package gate

import "strings"

// Kind is the closed set of tool kinds the gate knows how to classify.
// Adding a tool means adding a row to kindTable.
type Kind int

const (
	KindUnknown Kind = iota
	KindRead
	KindWrite
	KindEdit
	KindNotebookEdit
	KindBash
	KindGlob
	KindGrep
	KindWebFetch
	KindWebSearch
	KindTask
	KindSkill
	KindSlashCommand
	KindTodoWrite
	KindSandboxMCP
)

// sandboxMCPPrefix names tools served by the sandbox MCP server. They act
// on the remote sandbox, never on the local filesystem.
const sandboxMCPPrefix = "mcp__sandbox__"

type kindSpec struct {
	name string
	// pathKey is the tool input field holding the target path. Empty for
	// tools that are not path-restricted.
	pathKey string
}

var kindTable = [...]kindSpec{
	KindUnknown:      {name: "unknown"},
	KindRead:         {name: "Read", pathKey: "file_path"},
	KindWrite:        {name: "Write", pathKey: "file_path"},
	KindEdit:         {name: "Edit", pathKey: "file_path"},
	KindNotebookEdit: {name: "NotebookEdit", pathKey: "notebook_path"},
	KindBash:         {name: "Bash"},
	KindGlob:         {name: "Glob"},
	KindGrep:         {name: "Grep"},
	KindWebFetch:     {name: "WebFetch"},
	KindWebSearch:    {name: "WebSearch"},
	KindTask:         {name: "Task"},
	KindSkill:        {name: "Skill"},
	KindSlashCommand: {name: "SlashCommand"},
	KindTodoWrite:    {name: "TodoWrite"},
	KindSandboxMCP:   {name: sandboxMCPPrefix + "*"},
}

// Lookup maps a tool name to its Kind. Names not in the table are
// KindUnknown.
func Lookup(name string) Kind {
	if strings.HasPrefix(name, sandboxMCPPrefix) {
		return KindSandboxMCP
	}
	for k := KindRead; k < KindSandboxMCP; k++ {
		if kindTable[k].name == name {
			return k
		}
	}
	return KindUnknown
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindTable) {
		return kindTable[KindUnknown].name
	}
	return kindTable[k].name
}

// PathRestricted reports whether calls of this kind are checked against
// the path policy.
func (k Kind) PathRestricted() bool {
	return k.PathKey() != ""
}

// PathKey is the input field carrying the target path.
func (k Kind) PathKey() string {
	if k < 0 || int(k) >= len(kindTable) {
		return ""
	}
	return kindTable[k].pathKey
}

// ToolSet is the allow/deny list for tool names. Entries ending in "*"
// match by prefix. The deny list wins; a non-empty allow list admits only
// the tools it names.
type ToolSet struct {
	allowed []string
	denied  []string
}

// NewToolSet copies the given lists.
func NewToolSet(allowed, denied []string) ToolSet {
	return ToolSet{
		allowed: append([]string(nil), allowed...),
		denied:  append([]string(nil), denied...),
	}
}

// Permits reports whether name may be called at all.
func (s ToolSet) Permits(name string) bool {
	if name == "" {
		return false
	}
	for _, pattern := range s.denied {
		if matchTool(pattern, name) {
			return false
		}
	}
	if len(s.allowed) == 0 {
		return true
	}
	for _, pattern := range s.allowed {
		if matchTool(pattern, name) {
			return true
		}
	}
	return false
}

func matchTool(pattern, name string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}
