// Package provexport projects a lineage subtree into a PROV-style
// interchange document (entities, activities, agents, and the relations
// between them) for external provenance tooling. The export is a read-only
// view over the record set and adds no invariants of its own.
package provexport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/docledger/docledger/internal/model"
)

// Output formats accepted by Encode.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Document is a PROV-JSON-shaped serialization of one lineage subtree.
type Document struct {
	Prefix            map[string]string         `json:"prefix" yaml:"prefix"`
	Entities          map[string]Entity         `json:"entity" yaml:"entity"`
	Activities        map[string]Activity       `json:"activity" yaml:"activity"`
	Agents            map[string]Agent          `json:"agent" yaml:"agent"`
	WasGeneratedBy    map[string]GeneratedBy    `json:"wasGeneratedBy" yaml:"wasGeneratedBy"`
	WasDerivedFrom    map[string]DerivedFrom    `json:"wasDerivedFrom" yaml:"wasDerivedFrom"`
	WasAssociatedWith map[string]AssociatedWith `json:"wasAssociatedWith" yaml:"wasAssociatedWith"`
}

// Entity is one provenance record viewed as a PROV entity.
type Entity struct {
	Type        string `json:"docledger:type" yaml:"type"`
	ContentHash string `json:"docledger:contentHash" yaml:"content_hash"`
	ChainHash   string `json:"docledger:chainHash,omitempty" yaml:"chain_hash,omitempty"`
	ChainDepth  int    `json:"docledger:chainDepth" yaml:"chain_depth"`
}

// Activity is the processing step that generated one record.
type Activity struct {
	StartTime *time.Time     `json:"prov:startTime,omitempty" yaml:"start_time,omitempty"`
	EndTime   *time.Time     `json:"prov:endTime,omitempty" yaml:"end_time,omitempty"`
	Params    map[string]any `json:"docledger:params,omitempty" yaml:"params,omitempty"`
}

// Agent identifies a processor version that ran activities.
type Agent struct {
	Name    string `json:"docledger:processor" yaml:"processor"`
	Version string `json:"docledger:processorVersion,omitempty" yaml:"processor_version,omitempty"`
}

// GeneratedBy links an entity to the activity that produced it.
type GeneratedBy struct {
	Entity   string `json:"prov:entity" yaml:"entity"`
	Activity string `json:"prov:activity" yaml:"activity"`
}

// DerivedFrom links an entity to the parent entity it was derived from.
type DerivedFrom struct {
	Generated string `json:"prov:generatedEntity" yaml:"generated"`
	Used      string `json:"prov:usedEntity" yaml:"used"`
}

// AssociatedWith links an activity to the agent responsible for it.
type AssociatedWith struct {
	Activity string `json:"prov:activity" yaml:"activity"`
	Agent    string `json:"prov:agent" yaml:"agent"`
}

// Build assembles a Document from the records of one lineage subtree.
// Records whose parents fall outside the given set still export; the
// derivation relation is simply omitted for them.
func Build(recs []model.ProvenanceRecord) *Document {
	doc := &Document{
		Prefix: map[string]string{
			"prov":      "http://www.w3.org/ns/prov#",
			"docledger": "https://docledger.dev/ns#",
		},
		Entities:          make(map[string]Entity, len(recs)),
		Activities:        make(map[string]Activity, len(recs)),
		Agents:            make(map[string]Agent),
		WasGeneratedBy:    make(map[string]GeneratedBy, len(recs)),
		WasDerivedFrom:    make(map[string]DerivedFrom),
		WasAssociatedWith: make(map[string]AssociatedWith, len(recs)),
	}

	inSet := make(map[string]bool, len(recs))
	for _, rec := range recs {
		inSet[rec.ID] = true
	}

	for _, rec := range recs {
		entityID := "docledger:record/" + rec.ID
		activityID := "docledger:activity/" + rec.ID
		agentID := agentKey(rec.Processor, rec.ProcessorVersion)

		entity := Entity{
			Type:        string(rec.Type),
			ContentHash: rec.ContentHash,
			ChainDepth:  rec.ChainDepth,
		}
		if rec.ChainHash != nil {
			entity.ChainHash = *rec.ChainHash
		}
		doc.Entities[entityID] = entity

		created := rec.CreatedAt
		doc.Activities[activityID] = Activity{
			StartTime: &created,
			EndTime:   rec.ProcessedAt,
			Params:    rec.ProcessingParams,
		}

		doc.Agents[agentID] = Agent{Name: rec.Processor, Version: rec.ProcessorVersion}

		doc.WasGeneratedBy["gen/"+rec.ID] = GeneratedBy{Entity: entityID, Activity: activityID}
		doc.WasAssociatedWith["assoc/"+rec.ID] = AssociatedWith{Activity: activityID, Agent: agentID}

		if rec.ParentID != nil && inSet[*rec.ParentID] {
			doc.WasDerivedFrom["deriv/"+rec.ID] = DerivedFrom{
				Generated: entityID,
				Used:      "docledger:record/" + *rec.ParentID,
			}
		}
	}

	return doc
}

// Encode serializes a Document as JSON (indented) or YAML.
func Encode(doc *Document, format string) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		out, err := json.MarshalIndent(doc, "", "  ")
		return out, eris.Wrap(err, "provexport: marshal json")
	case FormatYAML:
		out, err := yaml.Marshal(doc)
		return out, eris.Wrap(err, "provexport: marshal yaml")
	default:
		return nil, eris.Errorf("provexport: unsupported format %q", format)
	}
}

func agentKey(processor, version string) string {
	if version == "" {
		return "docledger:agent/" + processor
	}
	return fmt.Sprintf("docledger:agent/%s@%s", processor, version)
}
