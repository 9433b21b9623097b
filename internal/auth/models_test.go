package auth

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestSnowflakeJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Snowflake
	}{
		{name: "string form above 2^53", input: `"1234567890123456789"`, want: 1234567890123456789},
		{name: "numeric form above 2^53", input: `1234567890123456789`, want: 1234567890123456789},
		{name: "null", input: `null`, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Snowflake
			if err := json.Unmarshal([]byte(tt.input), &got); err != nil {
				t.Fatalf("Failed to unmarshal %s: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Got %d, want %d", got, tt.want)
			}
		})
	}

	t.Run("marshals as string", func(t *testing.T) {
		data, err := json.Marshal(Snowflake(1234567890123456789))
		if err != nil {
			t.Fatalf("Failed to marshal: %v", err)
		}
		if string(data) != `"1234567890123456789"` {
			t.Errorf("Got %s", data)
		}
	})

	t.Run("rejects garbage", func(t *testing.T) {
		var got Snowflake
		if err := json.Unmarshal([]byte(`"abc"`), &got); err == nil {
			t.Error("Expected error for non numeric id")
		}
	})
}

func TestSnowflakeCreatedAt(t *testing.T) {
	// 175928847299117063 is the example id from the Discord reference docs
	got := Snowflake(175928847299117063).CreatedAt().UTC()
	want := time.Date(2016, 4, 30, 11, 18, 25, 796000000, time.UTC)
	if !got.Equal(want) {
		t.Errorf("CreatedAt() = %v, want %v", got, want)
	}
}

func TestDecodeGuilds(t *testing.T) {
	data := []byte(`[{"id":"81384788765712384","name":"Discord API","owner":false},{"id":613425648685547541,"name":"DDevs"}]`)
	guilds, err := DecodeGuilds(data)
	if err != nil {
		t.Fatalf("DecodeGuilds failed: %v", err)
	}
	if len(guilds) != 2 {
		t.Fatalf("Expected 2 guilds, got %d", len(guilds))
	}
	if guilds[1].ID != 613425648685547541 {
		t.Errorf("Precision lost on numeric id: %d", guilds[1].ID)
	}
}

func TestIdentityContext(t *testing.T) {
	if _, ok := IdentityFromContext(context.Background()); ok {
		t.Error("Expected no identity on empty context")
	}

	identity := &Identity{User: &User{ID: 42, Username: "dj"}, AccessToken: "tok"}
	ctx := WithIdentity(context.Background(), identity)

	got, ok := IdentityFromContext(ctx)
	if !ok || got.User.Username != "dj" {
		t.Errorf("Expected identity to round trip, got %+v", got)
	}
}
