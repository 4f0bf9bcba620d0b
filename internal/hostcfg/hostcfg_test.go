package hostcfg

import "testing"

func fakeEnv(vars map[string]string) envFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestInvokingUserUnderSudo(t *testing.T) {
	u, err := InvokingUser(fakeEnv(map[string]string{
		"SUDO_USER": "alice",
		"SUDO_UID":  "1000",
		"SUDO_GID":  "1000",
	}))
	if err != nil {
		t.Fatalf("InvokingUser: %v", err)
	}
	if u.Name != "alice" || u.UID != 1000 || u.GID != 1000 {
		t.Errorf("unexpected user %+v", u)
	}
}

func TestInvokingUserBadSudoUID(t *testing.T) {
	_, err := InvokingUser(fakeEnv(map[string]string{
		"SUDO_USER": "alice",
		"SUDO_UID":  "not-a-number",
		"SUDO_GID":  "1000",
	}))
	if err == nil {
		t.Fatal("expected error for malformed SUDO_UID")
	}
}

func TestInvokingUserWithoutSudo(t *testing.T) {
	// Falls back to the current user when SUDO_USER is absent.
	u, err := InvokingUser(fakeEnv(nil))
	if err != nil {
		t.Fatalf("InvokingUser: %v", err)
	}
	if u.Name == "" {
		t.Error("expected a username for the current user")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.ProcRoot != "/proc" || cfg.SysRoot != "/sys" || cfg.DevRoot != "/dev" {
		t.Errorf("unexpected roots: %+v", cfg)
	}
	if cfg.SettleTimeout <= 0 || cfg.SettleInterval <= 0 {
		t.Errorf("settle poll must be bounded and non-zero: %+v", cfg)
	}
}
