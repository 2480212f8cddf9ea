package mailer

import (
	"fmt"
	"strings"

	"github.com/osteele/liquid"
	"github.com/trackimmo/backend/internal/domain"
)

// Liquid templates for the client-facing emails. French copy; variables are
// bound in the render helpers below.

const assignmentReportTemplate = `<html>
<body style="font-family: sans-serif; color: #1a1a2e;">
<p>Bonjour {{ first_name | default: "cher client" }},</p>

<p>Voici vos {{ count }} nouvelles adresses du mois :</p>

<table cellpadding="6" cellspacing="0" border="1" style="border-collapse: collapse;">
  <tr>
    <th>Adresse</th><th>Ville</th><th>Type</th>
    <th>Vendue le</th><th>Prix</th><th>Estimation actuelle</th>
  </tr>
  {% for a in addresses %}
  <tr>
    <td>{{ a.address }}</td>
    <td>{{ a.city }}</td>
    <td>{{ a.property_type }}</td>
    <td>{{ a.sale_date }}</td>
    <td>{{ a.price | currency }}</td>
    <td>{{ a.estimated_price | currency }}</td>
  </tr>
  {% endfor %}
</table>

<p>Bonne prospection,<br>L'équipe TrackImmo</p>
</body>
</html>`

const notificationEveTemplate = `<html>
<body style="font-family: sans-serif; color: #1a1a2e;">
<p>Bonjour {{ first_name | default: "cher client" }},</p>

<p>Vos nouvelles adresses arrivent demain dans votre boîte mail.</p>

<p>À très vite,<br>L'équipe TrackImmo</p>
</body>
</html>`

// templateSet holds the parsed templates and the shared engine.
type templateSet struct {
	assignmentReport *liquid.Template
	notificationEve  *liquid.Template
}

func newTemplateSet() (*templateSet, error) {
	engine := liquid.NewEngine()

	// Euro formatting: {{ price | currency }} -> "245 000 €".
	engine.RegisterFilter("currency", func(v interface{}) string {
		n, ok := v.(int)
		if !ok || n <= 0 {
			return "—"
		}
		return groupThousands(n) + " €"
	})

	report, err := engine.ParseString(assignmentReportTemplate)
	if err != nil {
		return nil, fmt.Errorf("assignment report: %w", err)
	}
	eve, err := engine.ParseString(notificationEveTemplate)
	if err != nil {
		return nil, fmt.Errorf("notification eve: %w", err)
	}
	return &templateSet{assignmentReport: report, notificationEve: eve}, nil
}

func (t *templateSet) renderAssignmentReport(client *domain.Client, addresses []domain.Address, cities map[string]domain.City) (string, error) {
	rows := make([]map[string]interface{}, 0, len(addresses))
	for _, a := range addresses {
		cityName := ""
		if c, ok := cities[a.CityID]; ok {
			cityName = c.Name
		}
		rows = append(rows, map[string]interface{}{
			"address":         a.AddressRaw,
			"city":            cityName,
			"property_type":   propertyTypeFR(a.PropertyType),
			"sale_date":       a.SaleDate.Format("02/01/2006"),
			"price":           a.Price,
			"estimated_price": a.EstimatedPrice,
		})
	}
	out, err := t.assignmentReport.Render(liquid.Bindings{
		"first_name": client.FirstName,
		"count":      len(addresses),
		"addresses":  rows,
	})
	return string(out), err
}

func (t *templateSet) renderNotificationEve(client *domain.Client) (string, error) {
	out, err := t.notificationEve.Render(liquid.Bindings{
		"first_name": client.FirstName,
	})
	return string(out), err
}

func propertyTypeFR(p domain.PropertyType) string {
	switch p {
	case domain.PropertyHouse:
		return "Maison"
	case domain.PropertyApartment:
		return "Appartement"
	case domain.PropertyLand:
		return "Terrain"
	case domain.PropertyCommercial:
		return "Local commercial"
	default:
		return "Autre"
	}
}

// groupThousands renders 1234567 as "1 234 567".
func groupThousands(n int) string {
	s := fmt.Sprintf("%d", n)
	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	parts = append([]string{s}, parts...)
	return strings.Join(parts, " ")
}
