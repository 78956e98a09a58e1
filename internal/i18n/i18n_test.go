// Copyright (c) 2025 ToeiRei
// Keymaster - SSH key management system
// This source code is licensed under the MIT license found in the LICENSE file.

package i18n

import "testing"

func TestInitAndAvailableLocales(t *testing.T) {
	Init("en")
	if GetLang() != "en" {
		t.Fatalf("expected lang 'en', got %q", GetLang())
	}
	av := GetAvailableLocales()
	for _, k := range []string{"en", "de"} {
		if _, ok := av[k]; !ok {
			t.Fatalf("expected locale %q, got %v", k, av)
		}
	}
	if av["de"] != "Deutsch" {
		t.Fatalf("unexpected display name for de: %q", av["de"])
	}

	Init("xx")
	if GetLang() != "en" {
		t.Fatalf("unknown language must fall back to en, got %q", GetLang())
	}
}

func TestT_TemplateAndFormatting(t *testing.T) {
	Init("en")
	t.Cleanup(func() { Init("en") })

	got := T("notify.expiry.subject", map[string]any{"Days": 7})
	if got != "SSH Key Expiring in 7 days" {
		t.Fatalf("unexpected subject: %q", got)
	}
	if got := T("cli.enqueued", 3); got != "Enqueued 3 entries." {
		t.Fatalf("unexpected formatted text: %q", got)
	}
	if got := T("no.such.id"); got != "no.such.id" {
		t.Fatalf("unknown ids are returned as-is, got %q", got)
	}

	SetLang("de")
	if got := T("notify.alert.subject", map[string]any{"Type": "spike_apply"}); got != "Sicherheitswarnung: spike_apply" {
		t.Fatalf("unexpected German text: %q", got)
	}
	if got := TIn("en", "notify.alert.subject", map[string]any{"Type": "x"}); got != "Security Alert: x" {
		t.Fatalf("TIn must not depend on the active language: %q", got)
	}
}
