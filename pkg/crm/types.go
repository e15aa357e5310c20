package crm

// Dataset and reference endpoints of the upstream API.
const (
	EndpointContacts = "/api/v1/contacts"
	EndpointDeals    = "/api/v1/deals"
	EndpointUsers    = "/api/v1/users"
	EndpointStages   = "/api/v1/stages"
	EndpointFields   = "/api/v1/fields"
)

// Record is a raw dataset record as delivered by the upstream API.
// Contacts and deals share the shape; category-specific fields are simply
// absent on the other category.
type Record struct {
	ID        int64        `json:"id"`
	Name      string       `json:"name"`
	OwnerID   int64        `json:"owner_id,omitempty"`
	StageID   int64        `json:"stage_id,omitempty"`
	Price     float64      `json:"price,omitempty"`
	Currency  string       `json:"currency,omitempty"`
	Emails    []string     `json:"emails,omitempty"`
	Phones    []string     `json:"phones,omitempty"`
	CreatedAt int64        `json:"created_at,omitempty"`
	UpdatedAt int64        `json:"updated_at,omitempty"`
	Fields    []FieldValue `json:"custom_fields,omitempty"`
}

// FieldValue is a raw custom-field value attached to a record.
type FieldValue struct {
	FieldID int64    `json:"field_id"`
	Values  []string `json:"values"`
}

// User is an account user, referenced by records as their owner.
type User struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role,omitempty"`
	Active bool   `json:"active,omitempty"`
}

// Stage is a pipeline stage, referenced by deal records.
type Stage struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	PipelineID int64  `json:"pipeline_id"`
	SortOrder  int    `json:"sort_order,omitempty"`
	Color      string `json:"color,omitempty"`
}

// FieldDef is a custom-field definition. Tag is the short machine name
// used as the enriched map key; it may be empty for legacy fields.
type FieldDef struct {
	ID   int64  `json:"id"`
	Tag  string `json:"tag"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Page is one page of a dataset endpoint plus the dataset total reported
// by the upstream API.
type Page struct {
	Records []Record
	Total   int
}

type recordEnvelope struct {
	Data []Record `json:"data"`
	Meta struct {
		Total int `json:"total"`
	} `json:"meta"`
}

type userEnvelope struct {
	Data []User `json:"data"`
}

type stageEnvelope struct {
	Data []Stage `json:"data"`
}

type fieldEnvelope struct {
	Data []FieldDef `json:"data"`
}
