package commsutil

import "testing"

func TestSubjects(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"manager manifest", ManagerSubject("everest", OpManifest), "everest.manager.manifest"},
		{"manager default prefix", ManagerSubject("", OpInterface), "everest.manager.interface"},
		{"module ready", ModuleReadySubject("ev", "rs_errors"), "ev.modules.rs_errors.ready"},
		{"module ready wildcard", ModuleReadyWildcard("ev"), "ev.modules.*.ready"},
		{"global ready", GlobalReadySubject("ev"), "ev.ready"},
		{"command", CommandSubject("ev", "m", "main", "uses_something"), "ev.modules.m.impl.main.cmd.uses_something"},
		{"command wildcard", CommandWildcard("ev", "m", "main"), "ev.modules.m.impl.main.cmd.*"},
		{"error", ErrorSubject("ev", "m", "main"), "ev.modules.m.impl.main.error"},
		{"global error", GlobalErrorSubject("ev"), "ev.errors"},
		{"dotted module id", ModuleReadySubject("ev", "evse.manager"), "ev.modules.evse_manager.ready"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("commsutil:subjects_test - got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestToken(t *testing.T) {
	if got := Token("a.b c*>"); got != "a_b_c__" {
		t.Errorf("commsutil:subjects_test - Token = %q", got)
	}
}
