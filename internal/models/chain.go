package models

import (
	"encoding/json"
	"fmt"
)

// ServiceStepTemplate describes one step of a service chain as configured
// in services.yml. Operation is free-form and handed to the service as the
// step operation document.
type ServiceStepTemplate struct {
	ServiceID           string                 `yaml:"serviceID" json:"serviceID" validate:"required"`
	Operation           map[string]interface{} `yaml:"operation" json:"operation,omitempty"`
	HasAggregatedOutput bool                   `yaml:"hasAggregatedOutput" json:"hasAggregatedOutput"`
	IsBatched           bool                   `yaml:"isBatched" json:"isBatched"`
	IsSequential        bool                   `yaml:"isSequential" json:"isSequential"`
	MaxBatchInputs      int                    `yaml:"maxBatchInputs" json:"maxBatchInputs,omitempty" validate:"gte=0"`
	MaxBatchSizeInBytes int64                  `yaml:"maxBatchSizeInBytes" json:"maxBatchSizeInBytes,omitempty" validate:"gte=0"`
}

// OperationJSON renders the operation document as canonical JSON. A nil
// operation renders as an empty object.
func (t ServiceStepTemplate) OperationJSON() (string, error) {
	op := t.Operation
	if op == nil {
		op = map[string]interface{}{}
	}
	data, err := json.Marshal(op)
	if err != nil {
		return "", fmt.Errorf("failed to marshal operation for %s: %w", t.ServiceID, err)
	}
	return string(data), nil
}

// ServiceChain is a named, ordered list of step templates.
type ServiceChain struct {
	Name  string                `yaml:"name" json:"name" validate:"required"`
	Steps []ServiceStepTemplate `yaml:"steps" json:"steps" validate:"required,min=1,dive"`
}
