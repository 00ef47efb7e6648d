package events

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"intakeline/internal/domain"
)

const stageEnum = `{"type":"string","enum":["in_treatment","on_hold","estimation","ready"]}`

var metadataSchemas = map[domain.HistoryAction]string{
	domain.ActionCreated: `{"type":"object","required":["request_number","type","priority"],"properties":{
		"request_number":{"type":"string","pattern":"^REQ-[0-9]{4,}$"},
		"type":{"type":"string"},"priority":{"type":"string"}}}`,
	domain.ActionStageChanged: `{"type":"object","required":["old_stage","new_stage"],"properties":{
		"old_stage":` + stageEnum + `,"new_stage":` + stageEnum + `,
		"reason":{"type":"string"},"bulk_operation":{"type":"boolean"}}}`,
	domain.ActionPutOnHold: `{"type":"object","required":["old_stage","hold_reason"],"properties":{
		"old_stage":` + stageEnum + `,"hold_reason":{"type":"string","minLength":1},
		"bulk_operation":{"type":"boolean"}}}`,
	domain.ActionResumed: `{"type":"object","required":["hold_hours"],"properties":{
		"hold_reason":{"type":"string"},"hold_hours":{"type":"number","minimum":0}}}`,
	domain.ActionPriorityChanged: `{"type":"object","required":["old_priority","new_priority"],"properties":{
		"old_priority":{"type":"string"},"new_priority":{"type":"string"}}}`,
	domain.ActionAssignedPM: `{"type":"object","required":["new_pm_id"],"properties":{
		"old_pm_id":{"type":"string"},"new_pm_id":{"type":"string","minLength":1},
		"bulk_operation":{"type":"boolean"}}}`,
	domain.ActionAssignedEstimator: `{"type":"object","required":["new_estimator_id"],"properties":{
		"old_estimator_id":{"type":"string"},"new_estimator_id":{"type":"string","minLength":1}}}`,
	domain.ActionEstimated: `{"type":"object","required":["story_points","confidence","recommendation"],"properties":{
		"story_points":{"type":"integer","minimum":1,"maximum":100},
		"confidence":{"type":"string","enum":["low","medium","high"]},
		"recommendation":{"type":"string","enum":["project","ticket"]}}}`,
	domain.ActionConverted: `{"type":"object","required":["converted_to_type","converted_to_id","routing_overridden"],"properties":{
		"converted_to_type":{"type":"string","enum":["project","ticket"]},
		"converted_to_id":{"type":"string","minLength":1},
		"recommended":{"type":"string","enum":["project","ticket"]},
		"routing_overridden":{"type":"boolean"}}}`,
	domain.ActionCancelled: `{"type":"object","required":["stage"],"properties":{
		"reason":{"type":"string"},"stage":` + stageEnum + `}}`,
	domain.ActionUpdated: `{"type":"object","required":["fields"],"properties":{
		"fields":{"type":"array","minItems":1,"items":{"type":"string"}}}}`,
}

var (
	compileOnce sync.Once
	compiled    map[domain.HistoryAction]*gojsonschema.Schema
	compileErr  error
)

func schemaFor(action domain.HistoryAction) (*gojsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled = make(map[domain.HistoryAction]*gojsonschema.Schema, len(metadataSchemas))
		for a, raw := range metadataSchemas {
			s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
			if err != nil {
				compileErr = fmt.Errorf("compile %s metadata schema: %w", a, err)
				return
			}
			compiled[a] = s
		}
	})
	if compileErr != nil {
		return nil, compileErr
	}
	s, ok := compiled[action]
	if !ok {
		return nil, fmt.Errorf("unknown history action %s", action)
	}
	return s, nil
}

type ValidationErrorItem struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// MetadataValidationError reports history metadata that does not match the
// shape registered for its action.
type MetadataValidationError struct {
	Action domain.HistoryAction
	Errors []ValidationErrorItem
}

func (e *MetadataValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, item := range e.Errors {
		parts = append(parts, item.Path+": "+item.Message)
	}
	return fmt.Sprintf("invalid %s metadata: %s", e.Action, strings.Join(parts, "; "))
}

func validateMetadata(action domain.HistoryAction, doc []byte) error {
	schema, err := schemaFor(action)
	if err != nil {
		return err
	}
	res, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("validate %s metadata: %w", action, err)
	}
	if res.Valid() {
		return nil
	}
	items := make([]ValidationErrorItem, 0, len(res.Errors()))
	for _, item := range res.Errors() {
		items = append(items, ValidationErrorItem{Path: item.Field(), Message: item.Description()})
	}
	return &MetadataValidationError{Action: action, Errors: items}
}
