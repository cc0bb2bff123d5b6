package schema

import (
	"encoding/json"
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/listing-diagnostics/constants"
)

// Submission describes the submissions table the migrations under db/migrations create.
type Submission struct{ ent.Schema }

func (Submission) Annotations() []schema.Annotation {
	return []schema.Annotation{
		entsql.Annotation{
			Table: "submissions",
			Checks: map[string]string{
				"submissions_retry_count_check":        "retry_count >= 0",
				"submissions_analysis_requires_scrape": "analysis_result IS NULL OR scraped_data IS NOT NULL",
			},
		},
	}
}

func (Submission) Fields() []ent.Field {
	return []ent.Field{
		field.UUID("id", uuid.UUID{}).Default(uuid.New).Immutable(),
		field.String("property_url").NotEmpty().Immutable(),
		field.String("platform").Default(string(constants.PlatformUnknown)),
		field.Enum("status").Values(statusValues()...).Default(string(constants.StatusPending)),
		field.Time("created_at").Default(time.Now).Immutable(),
		field.Time("updated_at").Default(time.Now).UpdateDefault(time.Now),
		field.Int("retry_count").NonNegative().Default(0),
		field.Time("last_retry_at").Optional().Nillable(),
		field.JSON("scraped_data", json.RawMessage{}).Optional().
			SchemaType(map[string]string{dialect.Postgres: "jsonb"}),
		field.JSON("analysis_result", json.RawMessage{}).Optional().
			SchemaType(map[string]string{dialect.Postgres: "jsonb"}),
		field.String("report_url").Optional().Nillable(),
		field.String("error_message").Optional().Nillable().
			SchemaType(map[string]string{dialect.Postgres: "text"}),
		field.String("external_run_reference").Optional().Nillable(),
		field.Int("analysis_attempts").NonNegative().Default(0),
	}
}

func (Submission) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("status", "updated_at"),
	}
}

func statusValues() []string {
	all := constants.AllStatuses()
	out := make([]string, len(all))
	for i, s := range all {
		out[i] = string(s)
	}
	return out
}
