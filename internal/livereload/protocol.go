package livereload

const (
	ProtocolOfficial7 = "http://livereload.com/protocols/official-7"
	ServerName        = "livecode"
	DefaultPort       = 35729

	commandHello  = "hello"
	commandReload = "reload"
	commandAlert  = "alert"
	commandInfo   = "info"
)

// HelloMessage is sent in reply to a client hello.
type HelloMessage struct {
	Command    string   `json:"command"`
	Protocols  []string `json:"protocols"`
	ServerName string   `json:"serverName"`
}

type ReloadMessage struct {
	Command string `json:"command"`
	Path    string `json:"path"`
	LiveCSS bool   `json:"liveCSS"`
}

type AlertMessage struct {
	Command string `json:"command"`
	Message string `json:"message"`
}

// clientMessage is anything a browser sends; only the command is inspected.
type clientMessage struct {
	Command   string   `json:"command"`
	Protocols []string `json:"protocols,omitempty"`
	URL       string   `json:"url,omitempty"`
}

func helloMessage() HelloMessage {
	return HelloMessage{
		Command:    commandHello,
		Protocols:  []string{ProtocolOfficial7},
		ServerName: ServerName,
	}
}
