package discovery

// Datagram types on the discovery port.
const (
	typeQuery    = "QUERY"
	typeAnnounce = "ANNOUNCE"
	typeResponse = "RESPONSE"
	typeLeave    = "LEAVE"
)

// Query is broadcast by browsers and resolvers.
type Query struct {
	Type        string `json:"type"` // "QUERY"
	ServiceType string `json:"service_type"`
	Domain      string `json:"domain"`
	Name        string `json:"name,omitempty"` // only this instance name should answer
	RequestID   string `json:"request_id"`
}

// Announcement describes one published record. It is sent as ANNOUNCE on
// publish, RESPONSE when answering a Query, and LEAVE on withdraw.
type Announcement struct {
	Type        string   `json:"type"`
	ServiceType string   `json:"service_type"`
	Domain      string   `json:"domain"`
	Instance    string   `json:"instance"`
	Name        string   `json:"name"`
	Port        uint16   `json:"port"`
	Addresses   []string `json:"addresses,omitempty"`
	RequestID   string   `json:"request_id,omitempty"` // echoes Query.RequestID in RESPONSE
}

// MaxMessageSize is the read buffer for discovery datagrams.
const MaxMessageSize = 4096
