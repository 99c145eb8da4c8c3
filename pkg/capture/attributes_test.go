package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/techmatters/serverless-sub000/pkg/bot"
	"github.com/techmatters/serverless-sub000/pkg/domain"
)

func TestReadCaptured(t *testing.T) {
	tests := []struct {
		name    string
		attrs   string
		ok      bool
		wantErr bool
		runtime domain.BotRuntime
	}{
		{name: "empty", attrs: ``},
		{name: "absent", attrs: `{"a":1}`},
		{name: "null", attrs: `{"capturedChannelAttributes":null}`},
		{name: "not an object", attrs: `{"capturedChannelAttributes":"x"}`, wantErr: true},
		{name: "legacy v1", attrs: `{"capturedChannelAttributes":{"botName":"b","botAlias":"latest"}}`, ok: true, runtime: domain.RuntimeLexV1},
		{name: "inferred v2", attrs: `{"capturedChannelAttributes":{"botId":"B1","botAliasId":"A1","localeId":"en_US"}}`, ok: true, runtime: domain.RuntimeLexV2},
		{name: "explicit runtime", attrs: `{"capturedChannelAttributes":{"botRuntime":"lexv2","botId":"B1"}}`, ok: true, runtime: domain.RuntimeLexV2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok, err := ReadCaptured(tt.attrs)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.ok, IsCaptured(tt.attrs))
			if tt.ok {
				assert.Equal(t, tt.runtime, c.Runtime)
			}
		})
	}
}

func TestWithCapturedRoundTrip(t *testing.T) {
	in := &CapturedAttributes{
		SchemaVersion:  SchemaVersion,
		UserID:         "CH1",
		Identity:       bot.Identity{Runtime: domain.RuntimeLexV2, BotID: "B1", BotAliasID: "A1", LocaleID: "es_419"},
		ControlTaskSID: "WT1",
		ReleaseType:    domain.ReleaseTriggerStudioFlow,
		StudioFlowSID:  "FW1",
	}
	attrs, err := WithCaptured("", in)
	require.NoError(t, err)

	out, ok, err := ReadCaptured(attrs)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in, out)
	assert.Equal(t, "B1", gjson.Get(attrs, "capturedChannelAttributes.botId").String())
}

func TestReleased(t *testing.T) {
	attrs := `{"serviceUserIdentity":"u","capturedChannelAttributes":{"userId":"CH1"}}`

	t.Run("default memory key without flag", func(t *testing.T) {
		out, err := Released(attrs, DefaultMemoryAttribute, bot.Memory{"age": "12"}, "")
		require.NoError(t, err)
		assert.False(t, IsCaptured(out))
		assert.Equal(t, "12", gjson.Get(out, "memory.age").String())
		assert.Equal(t, "u", gjson.Get(out, "serviceUserIdentity").String())
	})

	t.Run("dotted keys stay literal", func(t *testing.T) {
		out, err := Released(attrs, "pre.survey", nil, "bot.done")
		require.NoError(t, err)
		assert.JSONEq(t, `{"serviceUserIdentity":"u","pre.survey":{},"bot.done":true}`, out)
	})
}

func TestMemoryKey(t *testing.T) {
	assert.Equal(t, DefaultMemoryAttribute, (&CapturedAttributes{}).MemoryKey())
	assert.Equal(t, "preSurvey", (&CapturedAttributes{MemoryAttribute: "preSurvey"}).MemoryKey())
}
