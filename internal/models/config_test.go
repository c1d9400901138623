package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigError_Error(t *testing.T) {
	err := ConfigError{Message: "test error"}
	assert.Equal(t, "test error", err.Error())
}

func TestParseDirection(t *testing.T) {
	tests := []struct {
		tag     string
		want    Direction
		wantErr bool
	}{
		{"whmcs_to_discord", SourceToChat{}, false},
		{"discord_to_whmcs", ChatToSource{}, false},
		{"sideways", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			got, err := ParseDirection(tt.tag)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.tag, got.String())
		})
	}
}

func TestSyncRecord_DirectionPredicates(t *testing.T) {
	mirrored := &SyncRecord{Direction: SourceToChat{}}
	relayed := &SyncRecord{Direction: ChatToSource{}}

	assert.True(t, mirrored.IsSourceToChat())
	assert.False(t, mirrored.IsChatToSource())
	assert.True(t, relayed.IsChatToSource())
	assert.False(t, relayed.IsSourceToChat())
}

func TestTicketMapping_HasInternalID(t *testing.T) {
	id := int64(42)
	zero := int64(0)

	assert.False(t, (&TicketMapping{}).HasInternalID())
	assert.False(t, (&TicketMapping{InternalID: &zero}).HasInternalID())
	assert.True(t, (&TicketMapping{InternalID: &id}).HasInternalID())
}

func TestClientDetails_DisplayName(t *testing.T) {
	assert.Equal(t, "Ada Lovelace", (&ClientDetails{FirstName: "Ada", LastName: "Lovelace"}).DisplayName())
	assert.Equal(t, "Ada", (&ClientDetails{FirstName: "Ada"}).DisplayName())
	assert.Equal(t, "ada@example.com", (&ClientDetails{Email: "ada@example.com"}).DisplayName())
}
