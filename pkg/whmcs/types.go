package whmcs

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// FlexString accepts both JSON strings and numbers. WHMCS is inconsistent
// about quoting identifiers.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string { return string(f) }

// FlexInt accepts numbers, numeric strings and the empty string (as 0).
type FlexInt int64

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			*f = 0
			return nil
		}
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return err
		}
		*f = FlexInt(i)
		return nil
	}
	var i int64
	if err := json.Unmarshal(data, &i); err != nil {
		return err
	}
	*f = FlexInt(i)
	return nil
}

func (f FlexInt) Int64() int64 { return int64(f) }

// envelope is the part every API response shares
type envelope struct {
	Result  string `json:"result"`
	Message string `json:"message"`
}

// Department is a support department
type Department struct {
	ID   FlexInt `json:"id"`
	Name string  `json:"name"`
}

// Status is one entry of the support status catalog
type Status struct {
	Title string  `json:"title"`
	Count FlexInt `json:"count"`
	Color string  `json:"color"`
}

// TicketSummary is one row returned by GetTickets
type TicketSummary struct {
	ID       FlexInt    `json:"id"`
	TicketID FlexInt    `json:"ticketid"`
	TID      FlexString `json:"tid"`
	DeptID   FlexInt    `json:"deptid"`
	Subject  string     `json:"subject"`
	Status   string     `json:"status"`
	Priority string     `json:"priority"`
}

// Ticket is the detailed view returned by GetTicket
type Ticket struct {
	ID        FlexInt    `json:"id"`
	TicketID  FlexInt    `json:"ticketid"`
	TID       FlexString `json:"tid"`
	DeptID    FlexInt    `json:"deptid"`
	DeptName  string     `json:"deptname"`
	UserID    FlexString `json:"userid"`
	Name      string     `json:"name"`
	Email     string     `json:"email"`
	Subject   string     `json:"subject"`
	Status    string     `json:"status"`
	Priority  string     `json:"priority"`
	Date      string     `json:"date"`
	LastReply string     `json:"lastreply"`
	Flag      FlexInt    `json:"flag"`
	Replies   ReplyList  `json:"replies"`
}

// InternalID returns the numeric ticket id when the response carried one.
func (t *Ticket) InternalID() int64 {
	if t.TicketID > 0 {
		return t.TicketID.Int64()
	}
	return t.ID.Int64()
}

// Reply is one message in a ticket thread
type Reply struct {
	ReplyID     FlexString     `json:"replyid"`
	ID          FlexString     `json:"id"`
	UserID      FlexString     `json:"userid"`
	Name        string         `json:"name"`
	Email       string         `json:"email"`
	Admin       string         `json:"admin"`
	Date        string         `json:"date"`
	Message     string         `json:"message"`
	Attachments AttachmentList `json:"attachments"`
}

// IsAdmin reports whether staff wrote the reply.
func (r *Reply) IsAdmin() bool {
	return strings.TrimSpace(r.Admin) != ""
}

// ReplyList unwraps the {"reply": [...]} container.
type ReplyList []Reply

func (l *ReplyList) UnmarshalJSON(data []byte) error {
	replies, err := unwrapList[Reply](data, "reply")
	if err != nil {
		return err
	}
	*l = replies
	return nil
}

// unwrapList decodes the {"<key>": [...]} containers WHMCS uses for
// collections. Empty strings, missing keys and single objects are accepted.
func unwrapList[T any](data []byte, key string) ([]T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, nil
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &wrapper); err != nil {
		return nil, err
	}
	inner := bytes.TrimSpace(wrapper[key])
	if len(inner) == 0 {
		return nil, nil
	}
	switch inner[0] {
	case '[':
		var items []T
		if err := json.Unmarshal(inner, &items); err != nil {
			return nil, err
		}
		return items, nil
	case '{':
		var one T
		if err := json.Unmarshal(inner, &one); err != nil {
			return nil, err
		}
		return []T{one}, nil
	default:
		return nil, nil
	}
}

// AttachmentRef describes a file attached to a reply. WHMCS versions
// disagree on the shape, so all known fields are optional.
type AttachmentRef struct {
	Filename string   `json:"filename"`
	Index    *FlexInt `json:"index"`
	ID       FlexInt  `json:"id"`
	Name     string   `json:"name"`
	Data     string   `json:"data"`
	Size     FlexInt  `json:"size"`
}

// DisplayName returns whichever filename field is set.
func (a *AttachmentRef) DisplayName() string {
	if a.Filename != "" {
		return a.Filename
	}
	return a.Name
}

// AttachmentList tolerates WHMCS returning "" instead of an empty array.
type AttachmentList []AttachmentRef

func (l *AttachmentList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		*l = nil
		return nil
	}
	var refs []AttachmentRef
	if err := json.Unmarshal(trimmed, &refs); err != nil {
		return err
	}
	*l = refs
	return nil
}

// AdminUser is a WHMCS staff account
type AdminUser struct {
	ID        FlexInt `json:"id"`
	Username  string  `json:"username"`
	FirstName string  `json:"firstname"`
	LastName  string  `json:"lastname"`
	Email     string  `json:"email"`
}

// ClientInfo is the subset of GetClientsDetails used on ticket summaries
type ClientInfo struct {
	ID          FlexString `json:"id"`
	FirstName   string     `json:"firstname"`
	LastName    string     `json:"lastname"`
	Email       string     `json:"email"`
	CompanyName string     `json:"companyname"`
}

// EncodedFile is an attachment uploaded with AddTicketReply
type EncodedFile struct {
	Name string `json:"name"`
	Data string `json:"data"` // base64 of the file bytes
}

// ReplyRequest describes an AddTicketReply call
type ReplyRequest struct {
	InternalID    int64
	Message       string
	AdminUsername string
	Attachments   []EncodedFile
}

// TicketUpdate carries the UpdateTicket fields this service changes
type TicketUpdate struct {
	Status   string
	Priority string
	Flag     int64
}

// AttachmentScope selects where GetTicketAttachment looks
type AttachmentScope string

const (
	ScopeReply  AttachmentScope = "reply"
	ScopeTicket AttachmentScope = "ticket"
)

// AttachmentQuery locates one attachment
type AttachmentQuery struct {
	Scope     AttachmentScope
	RelatedID int64
	Index     int64
}

// AttachmentData is a downloaded attachment
type AttachmentData struct {
	Filename string
	Data     []byte
}
