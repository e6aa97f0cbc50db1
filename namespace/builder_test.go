package namespace

import "testing"

func TestBuilder(t *testing.T) {
	plain := New("wl", "")
	sel := New("wl", "stage")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"mqtt node", plain.MQTTNodeTopic("foh", "/ch/1/fdr"), "wl/foh/nodes/ch/1/fdr"},
		{"mqtt node selector", sel.MQTTNodeTopic("foh", "/ch/1/fdr"), "wl/stage/foh/nodes/ch/1/fdr"},
		{"mqtt alias", plain.MQTTNodeTopic("foh", "kick_fader"), "wl/foh/nodes/kick_fader"},
		{"mqtt status", plain.MQTTStatusTopic("foh"), "wl/foh/status"},
		{"mqtt set", sel.MQTTSetTopic("foh"), "wl/stage/foh/set"},
		{"mqtt set response", plain.MQTTSetResponseTopic("foh"), "wl/foh/set/response"},
		{"mqtt base", sel.MQTTBase(), "wl/stage"},
		{"valkey node", plain.ValkeyNodeKey("foh", "/ch/1/fdr"), "wl:foh:nodes:ch.1.fdr"},
		{"valkey node selector", sel.ValkeyNodeKey("foh", "/bus/2/mute"), "wl:stage:foh:nodes:bus.2.mute"},
		{"valkey status", plain.ValkeyStatusKey("foh"), "wl:foh:status"},
		{"valkey changes", plain.ValkeyChangesChannel("foh"), "wl:foh:changes"},
		{"valkey all changes", sel.ValkeyAllChangesChannel(), "wl:stage:_all:changes"},
		{"valkey sets", plain.ValkeySetQueue(), "wl:sets"},
		{"valkey set responses", plain.ValkeySetResponseChannel(), "wl:set:responses"},
		{"kafka nodes", plain.KafkaNodeTopic(), "wl-nodes"},
		{"kafka nodes selector", sel.KafkaNodeTopic(), "wl-stage-nodes"},
		{"kafka status", plain.KafkaStatusTopic(), "wl.status"},
		{"kafka sets", sel.KafkaSetTopic(), "wl-stage-sets"},
		{"kafka set responses", plain.KafkaSetResponseTopic(), "wl-sets.response"},
		{"kafka key", KafkaNodeKey("foh", "/ch/1/fdr"), "foh/ch/1/fdr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}
