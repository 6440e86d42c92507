package taskscheduler

import (
	"encoding/json"
	"fmt"

	"github.com/agentlab/loom/pkg/models"
)

// decodeProcessorParams maps a Task's free-form Params onto the strongly
// typed ProcessorParams the pipeline's Process stage expects, via a
// marshal/unmarshal round trip rather than a field-by-field switch.
func decodeProcessorParams(raw map[string]any) (models.ProcessorParams, error) {
	var params models.ProcessorParams
	if raw == nil {
		return params, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return params, fmt.Errorf("marshal task params: %w", err)
	}
	if err := json.Unmarshal(data, &params); err != nil {
		return params, fmt.Errorf("decode processor params: %w", err)
	}
	return params, nil
}
