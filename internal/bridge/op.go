package bridge

// Op names a front-end request.
type Op string

// Requests understood by Serve.
const (
	OpCreate                Op = "create"
	OpGetAllIDs             Op = "getAllIDs"
	OpConnectToServer       Op = "connectToServer"
	OpStop                  Op = "stop"
	OpRemove                Op = "remove"
	OpWritePlain            Op = "writePlain"
	OpFlush                 Op = "flush"
	OpSetContent            Op = "setContent"
	OpSetFileMode           Op = "setFileMode"
	OpUnsetFileMode         Op = "unsetFileMode"
	OpSetBinary             Op = "setBinary"
	OpUnsetBinary           Op = "unsetBinary"
	OpWriteBinary           Op = "writeBinary"
	OpGetMessage            Op = "getMessage"
	OpGetMessageHex         Op = "getMessageHex"
	OpSetMessageHex         Op = "setMessageHex"
	OpGetPeerAddress        Op = "getPeerAddress"
	OpGetInfo               Op = "getInfo"
	OpGetState              Op = "getState"
	OpStartClientEncryption Op = "startClientEncryption"
	OpStartServerEncryption Op = "startServerEncryption"
	OpIgnoreSSLErrors       Op = "doIgnoreSslErrors"
	OpPause                 Op = "pause"
	OpResume                Op = "resume"
	OpStartTCPServer        Op = "startTcpServer"
	OpStartUDPServer        Op = "startUdpServer"
	OpSendUDPMessage        Op = "sendUdpMessage"
	OpSendUDPHex            Op = "sendUdpHex"
	OpGetUDPMessage         Op = "getUdpMessage"
	OpGetParams             Op = "getParams"
	OpStats                 Op = "stats"
)

// Ops lists every Op.
var Ops = []Op{
	OpCreate,
	OpGetAllIDs,
	OpConnectToServer,
	OpStop,
	OpRemove,
	OpWritePlain,
	OpFlush,
	OpSetContent,
	OpSetFileMode,
	OpUnsetFileMode,
	OpSetBinary,
	OpUnsetBinary,
	OpWriteBinary,
	OpGetMessage,
	OpGetMessageHex,
	OpSetMessageHex,
	OpGetPeerAddress,
	OpGetInfo,
	OpGetState,
	OpStartClientEncryption,
	OpStartServerEncryption,
	OpIgnoreSSLErrors,
	OpPause,
	OpResume,
	OpStartTCPServer,
	OpStartUDPServer,
	OpSendUDPMessage,
	OpSendUDPHex,
	OpGetUDPMessage,
	OpGetParams,
	OpStats,
}
