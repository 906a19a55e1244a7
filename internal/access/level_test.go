package access

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"0", LevelOff, false},
		{"1", LevelChat, false},
		{"5", LevelFull, false},
		{"6", LevelOff, true},
		{"-1", LevelOff, true},
		{"chat", LevelChat, false},
		{"EXECUTE", LevelExecute, false},
		{"Write", LevelWrite, false},
		{"", LevelOff, true},
		{"admin", LevelOff, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("Parse(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestCap(t *testing.T) {
	tests := []struct {
		name       string
		configured Level
		requested  Level
		want       Level
	}{
		{"header lowers", LevelWrite, LevelChat, LevelChat},
		{"header cannot raise", LevelWrite, LevelFull, LevelWrite},
		{"equal", LevelRead, LevelRead, LevelRead},
		{"off stays off", LevelOff, LevelFull, LevelOff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Cap(tt.configured, tt.requested); got != tt.want {
				t.Errorf("Cap(%v, %v) = %v, want %v", tt.configured, tt.requested, got, tt.want)
			}
		})
	}
}

func TestAllows(t *testing.T) {
	if !LevelFull.Allows(LevelExecute) {
		t.Error("FULL should allow EXECUTE routes")
	}
	if LevelChat.Allows(LevelRead) {
		t.Error("CHAT should not allow READ routes")
	}
	if !LevelChat.Allows(LevelChat) {
		t.Error("a level should allow routes at the same level")
	}
}
