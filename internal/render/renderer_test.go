package render

import (
	"strings"
	"testing"

	"mailloop/internal/types"
)

func testSubscriber() *types.Subscriber {
	return &types.Subscriber{
		ID:          "sub_1",
		Email:       "pat@example.com",
		DisplayName: "Pat",
		Cadence:     types.CadenceWeekly,
		Active:      true,
	}
}

func TestRenderDigestWithItems(t *testing.T) {
	r, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}

	items := []Item{
		{Title: "Road closure on Main St", URL: "https://t.example.com/track/click?token=a", Category: "Roadworks"},
		{Title: "Summer fair", URL: "https://t.example.com/track/click?token=b", Summary: "Saturday at the park.", Category: "Events"},
	}
	opts := Options{
		SiteTitle:           "Springfield",
		PreferencesURL:      "https://t.example.com/track/click?token=p",
		PixelURL:            "https://t.example.com/track/open?token=x",
		NewsCategoryLabels:  []string{"Roadworks"},
		EventCategoryLabels: []string{"Events"},
	}

	out, err := r.Render(types.KindDigestWeekly, testSubscriber(), items, opts)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	if out.Subject != "Your weekly digest from Springfield" {
		t.Errorf("subject = %q", out.Subject)
	}
	for _, want := range []string{"Road closure on Main St", "Summer fair", "Saturday at the park."} {
		if !strings.Contains(out.BodyHTML, want) {
			t.Errorf("HTML body missing %q", want)
		}
		if !strings.Contains(out.BodyText, want) {
			t.Errorf("text body missing %q", want)
		}
	}
	if !strings.Contains(out.BodyHTML, opts.PixelURL) {
		t.Error("HTML body missing the open pixel")
	}
	if strings.Contains(out.BodyText, opts.PixelURL) {
		t.Error("text body must not carry the pixel")
	}
	if strings.Contains(out.BodyHTML, "Nothing new") {
		t.Error("fallback block rendered despite items being present")
	}
}

func TestRenderDigestFallbackWhenEmpty(t *testing.T) {
	r, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}

	out, err := r.Render(types.KindDigestDaily, testSubscriber(), nil, Options{})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	if !strings.Contains(out.BodyHTML, "Nothing new in your selected categories") {
		t.Error("HTML body missing the fallback block")
	}
	if !strings.Contains(out.BodyText, "Nothing new in your selected categories") {
		t.Error("text body missing the fallback block")
	}
	if out.Subject != "Your daily digest" {
		t.Errorf("subject = %q, want plain subject without site title", out.Subject)
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	r, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}

	items := []Item{{Title: "One", URL: "https://t.example.com/c?token=a"}}
	opts := Options{SiteTitle: "Springfield", PixelURL: "https://t.example.com/o?token=x"}

	first, err := r.Render(types.KindDigestDaily, testSubscriber(), items, opts)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	second, err := r.Render(types.KindDigestDaily, testSubscriber(), items, opts)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}

	if first.Subject != second.Subject || first.BodyHTML != second.BodyHTML || first.BodyText != second.BodyText {
		t.Error("identical inputs must produce byte-identical output")
	}
}

func TestRenderImmediateKinds(t *testing.T) {
	r, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}

	tests := []struct {
		kind types.NotificationKind
		want string
	}{
		{types.KindWelcome, "Welcome"},
		{types.KindWelcomeBack, "Good to see you again"},
		{types.KindPreferencesUpdated, "were updated"},
	}

	for _, tt := range tests {
		out, err := r.Render(tt.kind, testSubscriber(), nil, Options{})
		if err != nil {
			t.Fatalf("Render(%s): %v", tt.kind, err)
		}
		if !strings.Contains(out.BodyHTML, tt.want) {
			t.Errorf("%s HTML body missing %q", tt.kind, tt.want)
		}
	}
}

func TestRenderMissingDataYieldsEmptyPlaceholders(t *testing.T) {
	r, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}

	sub := &types.Subscriber{ID: "sub_1", Cadence: types.CadenceDaily}
	out, err := r.Render(types.KindDigestDaily, sub, nil, Options{})
	if err != nil {
		t.Fatalf("Render with absent data must not fail: %v", err)
	}
	if strings.Contains(out.BodyHTML, "<no value>") {
		t.Error("unresolved placeholder leaked into the body")
	}
}

func TestRenderUnknownKind(t *testing.T) {
	r, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}

	if _, err := r.Render(types.NotificationKind("mystery"), testSubscriber(), nil, Options{}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestRenderEscapesItemContent(t *testing.T) {
	r, err := NewRenderer()
	if err != nil {
		t.Fatalf("NewRenderer: %v", err)
	}

	items := []Item{{Title: `<script>alert("x")</script>`, URL: "https://t.example.com/c?token=a"}}
	out, err := r.Render(types.KindDigestDaily, testSubscriber(), items, Options{})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(out.BodyHTML, "<script>") {
		t.Error("item title was not HTML-escaped")
	}
}
