package release

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	flex "github.com/twilio/twilio-go/rest/flex/v1"
)

// ServiceConfig is what the survey pipeline needs from the service
// configuration.
type ServiceConfig struct {
	DefinitionVersion string
	// IngestionBaseURL is the base the survey document is posted under.
	IngestionBaseURL string
}

// ServiceConfigSource fetches the current service configuration.
type ServiceConfigSource interface {
	ServiceConfig(ctx context.Context) (ServiceConfig, error)
}

// StaticServiceConfig is a fixed service configuration.
type StaticServiceConfig ServiceConfig

func (s StaticServiceConfig) ServiceConfig(context.Context) (ServiceConfig, error) {
	return ServiceConfig(s), nil
}

type flexAPI interface {
	FetchConfiguration(params *flex.FetchConfigurationParams) (*flex.FlexV1Configuration, error)
}

// FlexServiceConfig reads definitionVersion and hrm_base_url from the Flex
// configuration attributes. The ingestion base is
// {hrm_base_url}/{apiPath}/{accountSID}.
type FlexServiceConfig struct {
	api        flexAPI
	accountSID string
	apiPath    string
}

// NewFlexServiceConfig wraps the flex v1 API of a twilio rest client.
func NewFlexServiceConfig(api flexAPI, accountSID, apiPath string) *FlexServiceConfig {
	return &FlexServiceConfig{api: api, accountSID: accountSID, apiPath: apiPath}
}

func (f *FlexServiceConfig) ServiceConfig(_ context.Context) (ServiceConfig, error) {
	cfg, err := f.api.FetchConfiguration(&flex.FetchConfigurationParams{})
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("fetch flex configuration: %w", err)
	}
	if cfg.Attributes == nil {
		return ServiceConfig{}, nil
	}
	raw, err := json.Marshal(cfg.Attributes)
	if err != nil {
		return ServiceConfig{}, fmt.Errorf("encode flex attributes: %w", err)
	}
	return parseFlexAttributes(string(raw), f.accountSID, f.apiPath), nil
}

func parseFlexAttributes(attrs, accountSID, apiPath string) ServiceConfig {
	out := ServiceConfig{
		DefinitionVersion: gjson.Get(attrs, "definitionVersion").String(),
	}
	if base := strings.TrimRight(gjson.Get(attrs, "hrm_base_url").String(), "/"); base != "" {
		parts := []string{base}
		if p := strings.Trim(apiPath, "/"); p != "" {
			parts = append(parts, p)
		}
		if accountSID != "" {
			parts = append(parts, accountSID)
		}
		out.IngestionBaseURL = strings.Join(parts, "/")
	}
	return out
}
