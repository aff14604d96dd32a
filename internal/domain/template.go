package domain

// TemplateDescriptor is a message template as served by the template
// service. It is fetched per delivery and never persisted by the workers.
// Body carries the HTML variant when the service has one, the text variant
// otherwise; the push renderer strips tags later.
type TemplateDescriptor struct {
	Code      string   `json:"code"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
	Variables []string `json:"variables"`
	Language  string   `json:"language"`
}
