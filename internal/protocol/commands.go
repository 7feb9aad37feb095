// Package protocol defines the text protocol spoken over the daemon socket.
//
// Every message ends with ";;". A payload follows the marker "--" as its
// base64 length, a newline and the base64 text:
//
//	VERB [SUBVERB] [ARGS...] [-- LENGTH\nBASE64];;
package protocol

// Command is a parsed client command.
type Command struct {
	Verb    string   // PING, MERGE, SETTINGS, ...
	SubVerb string   // GET, SET, START, ...
	Args    []string // positional arguments
	Data    []byte   // decoded payload
}

// Command verbs
const (
	VerbPing     = "PING"
	VerbInfo     = "INFO"
	VerbShutdown = "SHUTDOWN"
	VerbMerge    = "MERGE"
	VerbSettings = "SETTINGS"
	VerbDownload = "DOWNLOAD"
)

// Sub-verbs
const (
	SubVerbGet    = "GET"
	SubVerbSet    = "SET"
	SubVerbList   = "LIST"
	SubVerbStart  = "START"
	SubVerbStatus = "STATUS"
)

// ValidVerbs lists all valid command verbs.
var ValidVerbs = []string{
	VerbPing, VerbInfo, VerbShutdown, VerbMerge, VerbSettings, VerbDownload,
}

func isValidVerb(verb string) bool {
	switch verb {
	case VerbPing, VerbInfo, VerbShutdown, VerbMerge, VerbSettings, VerbDownload:
		return true
	}
	return false
}

func isSubVerb(s string) bool {
	switch s {
	case SubVerbGet, SubVerbSet, SubVerbList, SubVerbStart, SubVerbStatus:
		return true
	}
	return false
}

// DownloadStartConfig is the payload of DOWNLOAD START.
type DownloadStartConfig struct {
	HandleURL string `json:"handleUrl"`
	FileName  string `json:"fileName"`
}
