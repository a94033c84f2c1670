package main

import "testing"

func TestDefaultProjectName(t *testing.T) {
	cases := map[string]string{
		"acme/Next.js Starter": "next-js-starter",
		"acme/shipkit":         "shipkit",
		"shipkit_v2":           "shipkit-v2",
		"acme/ab":              "",
		"acme/":                "",
	}
	for template, want := range cases {
		if got := defaultProjectName(template); got != want {
			t.Fatalf("defaultProjectName(%q) = %q, want %q", template, got, want)
		}
	}
}
