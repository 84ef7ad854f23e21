package protocol

// Commands accepted by the server.
const (
	CmdHello          = "HELLO"
	CmdUploadMatrix   = "UPLOAD_MATRIX"
	CmdStartTranspose = "START_TRANSPOSE"
	CmdRequestStatus  = "REQUEST_STATUS"
	CmdRequestResults = "REQUEST_RESULTS"
	CmdQuit           = "QUIT"
)

// Replies emitted by the server.
const (
	ReplyWelcome            = "WELCOME"
	ReplyMatrixReceived     = "MATRIX_RECEIVED"
	ReplyTransposeStarted   = "TRANSPOSE_STARTED"
	ReplyTransposeCompleted = "TRANSPOSE_COMPLETED"
	ReplyStatusFinished     = "STATUS: FINISHED"
	ReplyError              = "ERROR"
	ReplyErrorNoData        = "ERROR: NO DATA"
	ReplyErrorAlready       = "ERROR: ALREADY"
	ReplyErrorNoResults     = "ERROR: NO RESULTS"
	ReplyBye                = "BYE"
)

// Reply prefixes for parameterized replies.
const (
	PrefixInfo   = "INFO:"
	PrefixStatus = "STATUS:"
	PrefixResult = "RESULT:"
	PrefixError  = "ERROR"
)

// Timing is one completed configuration.
type Timing struct {
	Threads int
	Seconds float64
}
