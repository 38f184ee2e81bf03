package email

import (
	"net/smtp"
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing port",
			config: Config{
				Host: "smtp.example.com",
				From: "test@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "test@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestRenderCollaboratorAddedTemplate(t *testing.T) {
	data := CollaboratorAddedData{
		AppName:       "Marginalia",
		InviteeName:   "Bob",
		InviterName:   "Alice",
		DocumentTitle: "Notes <draft>",
		DocumentURL:   "https://example.com/documents/doc_1",
	}

	html, err := renderTemplate(collaboratorAddedTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	if !strings.Contains(html, "Hi Bob") {
		t.Error("template should greet the invitee")
	}
	if !strings.Contains(html, "Alice added you") {
		t.Error("template should name the inviter")
	}
	if !strings.Contains(html, "Notes &lt;draft&gt;") {
		t.Error("template should escape the document title")
	}
	if !strings.Contains(html, "https://example.com/documents/doc_1") {
		t.Error("template should contain document URL")
	}
}

func TestSendCollaboratorAdded(t *testing.T) {
	svc := NewService(Config{Host: "smtp.example.com", Port: "587", From: "noreply@example.com", FromName: "Marginalia"})

	var (
		gotAddr string
		gotTo   []string
		gotMsg  string
	)
	svc.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, string(msg)
		if from != "noreply@example.com" {
			t.Errorf("envelope from = %q", from)
		}
		return nil
	}

	err := svc.SendCollaboratorAdded("bob@example.com", CollaboratorAddedData{
		InviteeName: "Bob", InviterName: "Alice", DocumentTitle: "Notes", DocumentURL: "https://example.com/d/1",
	})
	if err != nil {
		t.Fatalf("SendCollaboratorAdded failed: %v", err)
	}

	if gotAddr != "smtp.example.com:587" {
		t.Errorf("addr = %q", gotAddr)
	}
	if len(gotTo) != 1 || gotTo[0] != "bob@example.com" {
		t.Errorf("to = %v", gotTo)
	}
	for _, want := range []string{
		"From: Marginalia <noreply@example.com>",
		"Subject: Alice shared \"Notes\" with you",
		"multipart/alternative",
		"Alice added you as a collaborator on \"Notes\"",
		"<h1>Marginalia</h1>",
	} {
		if !strings.Contains(gotMsg, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSendRequiresConfiguration(t *testing.T) {
	svc := NewService(Config{})
	svc.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send should not be called")
		return nil
	}
	if err := svc.SendCollaboratorAdded("bob@example.com", CollaboratorAddedData{}); err == nil {
		t.Fatal("expected error for unconfigured service")
	}
}
