package backend

import (
	"strings"

	"github.com/brianvoe/gofakeit/v7"
)

// Synthesizer fabricates shadow records for rows that do not exist. The
// generated data must look like production data to sustain the deception.
type Synthesizer interface {
	// Record produces one row: the id field carries the requested id, every
	// other field gets a plausible value.
	Record(idField string, id interface{}, fields []string) map[string]interface{}
}

// FakeSynthesizer generates records with gofakeit, picking a generator per
// field from its name.
type FakeSynthesizer struct {
	faker *gofakeit.Faker
}

// NewFakeSynthesizer seeds a synthesizer from the system clock.
func NewFakeSynthesizer() *FakeSynthesizer {
	return &FakeSynthesizer{faker: gofakeit.New(0)}
}

func (s *FakeSynthesizer) Record(idField string, id interface{}, fields []string) map[string]interface{} {
	record := make(map[string]interface{}, len(fields))
	for _, field := range fields {
		if field == idField {
			record[field] = id
			continue
		}
		record[field] = s.value(field)
	}
	return record
}

func (s *FakeSynthesizer) value(field string) interface{} {
	name := strings.ToLower(field)
	switch {
	case strings.Contains(name, "ssn"):
		return s.faker.SSN()
	case strings.Contains(name, "email"):
		return s.faker.Email()
	case strings.Contains(name, "phone"):
		return s.faker.Phone()
	case strings.Contains(name, "name"):
		return s.faker.Name()
	case strings.Contains(name, "address"):
		return s.faker.Address().Address
	case strings.Contains(name, "diagnosis"), strings.Contains(name, "notes"),
		strings.Contains(name, "description"):
		return s.faker.Sentence(3)
	case strings.Contains(name, "amount"), strings.Contains(name, "balance"),
		strings.Contains(name, "price"):
		return s.faker.Price(10, 10000)
	case strings.Contains(name, "date"), strings.Contains(name, "dob"):
		return s.faker.Date().Format("2006-01-02")
	case strings.Contains(name, "formula"), strings.Contains(name, "content"):
		return s.faker.Paragraph(1, 2, 8, " ")
	default:
		return s.faker.Word()
	}
}

var _ Synthesizer = (*FakeSynthesizer)(nil)
