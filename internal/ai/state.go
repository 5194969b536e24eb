package ai

// TurnState is the state machine of one user turn.
type TurnState string

const (
	TurnStateRequesting     TurnState = "requesting"
	TurnStateStreaming      TurnState = "streaming"
	TurnStateExecutingTools TurnState = "executing_tools"
	TurnStateDone           TurnState = "done"
	TurnStateAborted        TurnState = "aborted"
	TurnStateFailed         TurnState = "failed"
)

func (s TurnState) Terminal() bool {
	switch s {
	case TurnStateDone, TurnStateAborted, TurnStateFailed:
		return true
	default:
		return false
	}
}

// Status is the human-readable activity label shown while a turn runs.
type Status string

const (
	StatusThinking Status = "thinking"
	StatusReading  Status = "reading"
	StatusBrowsing Status = "browsing"
	StatusRunning  Status = "running"
	StatusWriting  Status = "writing"
	StatusWorking  Status = "working"
	StatusSpeaking Status = "speaking"
)

var toolStatus = map[string]Status{
	"get_page":     StatusReading,
	"extract_text": StatusReading,
	"find_in_page": StatusReading,
	"screenshot":   StatusReading,
	"list_tabs":    StatusBrowsing,
	"open_page":    StatusBrowsing,
	"focus_tab":    StatusBrowsing,
	"close_tab":    StatusBrowsing,
	"run_command":  StatusRunning,
	"preview_html": StatusWriting,
}

// StatusForTool maps a tool name to its activity label.
func StatusForTool(name string) Status {
	if s, ok := toolStatus[name]; ok {
		return s
	}
	return StatusWorking
}

// ClassifyStatus labels a streaming snapshot. Once text has flowed the turn
// is speaking; before that the newest named tool call decides.
func ClassifyStatus(textSeen bool, toolNames []string) Status {
	if textSeen {
		return StatusSpeaking
	}
	if n := len(toolNames); n > 0 {
		return StatusForTool(toolNames[n-1])
	}
	return StatusThinking
}
