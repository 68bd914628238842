package dispatch

import (
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/slotcast/pkg/models"
)

// Vars are the per-message values substituted into a template.
type Vars struct {
	Name               string
	SlotStart          time.Time
	DurationMinutes    int
	ClaimWindowMinutes int
}

const slotStartLayout = "Mon 2 Jan 15:04"

var defaultTemplates = map[string]string{
	models.TemplateInvite: "Hi {{name}}, a {{duration}}-minute appointment at {{practice}} opened up for " +
		"{{slot_start}}. Reply YES within {{claim_window}} minutes to claim it.",
	models.TemplateConfirm: "You're booked, {{name}}. See you at {{practice}} on {{slot_start}}.",
	models.TemplateTaken: "Sorry {{name}}, the {{slot_start}} appointment at {{practice}} has already been " +
		"filled. You're still on the waitlist.",
}

// DefaultTemplate returns the built-in template for key.
func DefaultTemplate(key string) string {
	return defaultTemplates[key]
}

// Render substitutes placeholders in the tenant's template for key, or in the built-in
// template when the tenant has none. Slot times are shown in the tenant's timezone.
func Render(tenant *models.Tenant, key string, v Vars) string {
	tmpl := tenant.Template(key)
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultTemplate(key)
	}

	start := ""
	if !v.SlotStart.IsZero() {
		start = v.SlotStart.In(tenant.Location()).Format(slotStartLayout)
	}

	r := strings.NewReplacer(
		"{{name}}", v.Name,
		"{{slot_start}}", start,
		"{{duration}}", strconv.Itoa(v.DurationMinutes),
		"{{claim_window}}", strconv.Itoa(v.ClaimWindowMinutes),
		"{{practice}}", tenant.Name,
	)
	return r.Replace(tmpl)
}
