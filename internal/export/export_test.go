package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"marginalia/internal/store"
)

type fakeStore struct {
	doc         store.Document
	owner       store.User
	annotations []store.Annotation
	listCalls   int
}

func (f *fakeStore) GetDocument(_ context.Context, documentID string) (store.Document, error) {
	if documentID != f.doc.ID {
		return store.Document{}, store.ErrNotFound
	}
	return f.doc, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, userID string) (store.User, error) {
	if userID != f.owner.ID {
		return store.User{}, store.ErrNotFound
	}
	return f.owner, nil
}

func (f *fakeStore) ListAnnotations(_ context.Context, _ string, limit, offset int) ([]store.Annotation, int, error) {
	f.listCalls++
	if offset >= len(f.annotations) {
		return nil, len(f.annotations), nil
	}
	end := offset + limit
	if end > len(f.annotations) {
		end = len(f.annotations)
	}
	return f.annotations[offset:end], len(f.annotations), nil
}

type staticContent string

func (c staticContent) DocumentContent(context.Context, store.Document) (string, error) {
	return string(c), nil
}

type failingContent struct{}

func (failingContent) DocumentContent(context.Context, store.Document) (string, error) {
	return "", errors.New("bucket offline")
}

const sampleText = "The quick brown fox jumps over the lazy dog."

func newFixture() *fakeStore {
	created := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	return &fakeStore{
		doc:   store.Document{ID: "doc_1", OwnerID: "usr_owner", Title: "Field Notes"},
		owner: store.User{ID: "usr_owner", Username: "olivia", DisplayName: "Olivia"},
		annotations: []store.Annotation{
			{
				ID: "ann_1", DocumentID: "doc_1", StartOffset: 4, EndOffset: 15,
				SelectedText: "quick brown", Comment: "vivid <b>colour</b>", Color: "#3B82F6",
				CreatedAt: created, User: store.Profile{ID: "usr_a", Username: "alice", DisplayName: "Alice"},
			},
			{
				ID: "ann_2", DocumentID: "doc_1", StartOffset: 35, EndOffset: 43,
				SelectedText: "lazy dog", Comment: "fixed", Color: "#EF4444", IsResolved: true,
				CreatedAt: created, User: store.Profile{ID: "usr_b", Username: "bob"},
			},
		},
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"My Document v1.2", "My-Document-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "document"},
		{"Très bien", "Trs-bien"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"é", "%C3%A9"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := percentEncodeForDataURL(tt.input)
			if result != tt.expected {
				t.Errorf("percentEncodeForDataURL(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	for input, want := range map[string]Format{"": FormatPDF, "pdf": FormatPDF, "html": FormatHTML} {
		got, ok := ParseFormat(input)
		if !ok || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v", input, got, ok)
		}
	}
	if _, ok := ParseFormat("docx"); ok {
		t.Error("docx should not parse")
	}
}

func TestSurrounding(t *testing.T) {
	text := []rune(sampleText)
	before, after := surrounding(text, 4, 15)
	if before != "The " {
		t.Errorf("before = %q", before)
	}
	if after != sampleText[15:] {
		t.Errorf("after = %q", after)
	}

	if b, a := surrounding(text, 40, 90); b != "" || a != "" {
		t.Errorf("out of range offsets gave %q %q", b, a)
	}
	if b, a := surrounding(nil, 0, 3); b != "" || a != "" {
		t.Errorf("empty text gave %q %q", b, a)
	}
}

func TestExportHTMLSkipsResolvedByDefault(t *testing.T) {
	svc := NewService(newFixture(), staticContent(sampleText))

	result, err := svc.Export(context.Background(), Request{DocumentID: "doc_1", Format: FormatHTML})
	if err != nil {
		t.Fatalf("Export returned error: %v", err)
	}
	if result.Filename != "Field-Notes-annotations.html" {
		t.Errorf("Filename = %q", result.Filename)
	}
	if !strings.HasPrefix(result.MimeType, "text/html") {
		t.Errorf("MimeType = %q", result.MimeType)
	}

	html := string(result.Data)
	for _, want := range []string{
		"<h1>Field Notes</h1>",
		"Owner: Olivia",
		"2 annotations, 1 resolved",
		"quick brown</mark>",
		"The <mark",
		"vivid &lt;b&gt;colour&lt;/b&gt;",
		"Alice",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("expected report to contain %q", want)
		}
	}
	if strings.Contains(html, "lazy dog</mark>") {
		t.Error("resolved annotation should be left out")
	}
}

func TestExportHTMLIncludeResolved(t *testing.T) {
	svc := NewService(newFixture(), nil)

	result, err := svc.Export(context.Background(), Request{DocumentID: "doc_1", Format: FormatHTML, IncludeResolved: true})
	if err != nil {
		t.Fatalf("Export returned error: %v", err)
	}
	html := string(result.Data)
	if !strings.Contains(html, "lazy dog</mark>") {
		t.Error("expected resolved annotation")
	}
	// A display name falls back to the username.
	if !strings.Contains(html, "bob &middot;") && !strings.Contains(html, "bob ·") {
		t.Error("expected username byline for bob")
	}
	if !strings.Contains(html, `class="annotation resolved"`) {
		t.Error("expected resolved styling")
	}
}

func TestExportContentFailureStillRenders(t *testing.T) {
	svc := NewService(newFixture(), failingContent{})

	result, err := svc.Export(context.Background(), Request{DocumentID: "doc_1", Format: FormatHTML})
	if err != nil {
		t.Fatalf("Export returned error: %v", err)
	}
	if !strings.Contains(string(result.Data), "quick brown</mark>") {
		t.Error("expected annotation without surrounding text")
	}
}

func TestExportPagesThroughAnnotations(t *testing.T) {
	fixture := newFixture()
	base := fixture.annotations[0]
	fixture.annotations = nil
	for i := 0; i < pageSize+5; i++ {
		a := base
		a.StartOffset, a.EndOffset = 0, i+1
		fixture.annotations = append(fixture.annotations, a)
	}
	svc := NewService(fixture, nil)

	result, err := svc.Export(context.Background(), Request{DocumentID: "doc_1", Format: FormatHTML})
	if err != nil {
		t.Fatalf("Export returned error: %v", err)
	}
	if fixture.listCalls != 2 {
		t.Errorf("listCalls = %d, want 2", fixture.listCalls)
	}
	if got := strings.Count(string(result.Data), `<div class="annotation"`); got != pageSize+5 {
		t.Errorf("rendered %d annotations", got)
	}
}

func TestExportPDFUsesRenderer(t *testing.T) {
	svc := NewService(newFixture(), nil)
	var gotTitle string
	svc.renderPDF = func(_ context.Context, html, title string) (*Result, error) {
		gotTitle = title
		if !strings.Contains(html, "quick brown") {
			t.Error("renderer received incomplete html")
		}
		return &Result{Data: []byte("%PDF"), Filename: sanitizeFilename(title) + "-annotations.pdf", MimeType: "application/pdf"}, nil
	}

	result, err := svc.Export(context.Background(), Request{DocumentID: "doc_1", Format: FormatPDF})
	if err != nil {
		t.Fatalf("Export returned error: %v", err)
	}
	if gotTitle != "Field Notes" || result.MimeType != "application/pdf" {
		t.Errorf("unexpected pdf result %q %q", gotTitle, result.MimeType)
	}
}

func TestExportPDFDependencyMissing(t *testing.T) {
	svc := NewService(newFixture(), nil)
	svc.renderPDF = func(context.Context, string, string) (*Result, error) {
		return nil, ErrPDFDependencyMissing
	}

	_, err := svc.Export(context.Background(), Request{DocumentID: "doc_1", Format: FormatPDF})
	if !errors.Is(err, ErrPDFDependencyMissing) {
		t.Fatalf("expected ErrPDFDependencyMissing, got %v", err)
	}
}

func TestExportUnknownDocument(t *testing.T) {
	svc := NewService(newFixture(), nil)
	_, err := svc.Export(context.Background(), Request{DocumentID: "doc_x", Format: FormatHTML})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
