package models

// TransportKind selects which transport adapter carries a connection.
type TransportKind string

const (
	TransportWiFi   TransportKind = "wifi"
	TransportSerial TransportKind = "serial"
	TransportSACP   TransportKind = "sacp"
)

// ConnectionSession is the live association between this process and one
// physical machine over one transport. At most one session exists at a time;
// the connection manager owns it exclusively.
type ConnectionSession struct {
	Transport      TransportKind `json:"transport"`
	Host           string        `json:"host"`
	Token          string        `json:"-"`
	Series         MachineSeries `json:"series"`
	HeadType       HeadType      `json:"headType"`
	ToolHead       ToolHead      `json:"toolHead"`
	ActiveExtruder int           `json:"activeExtruder"`
}
