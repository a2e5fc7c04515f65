package verification

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/ShayCichocki/conductor/internal/mcp"
	"github.com/ShayCichocki/conductor/internal/oracle"
	"github.com/ShayCichocki/conductor/internal/oracle/oracletest"
	"github.com/ShayCichocki/conductor/pkg/models"
)

type recordingCapturer struct {
	mu       sync.Mutex
	dir      string
	requests []CaptureRequest
	err      error
}

func (c *recordingCapturer) CaptureSnapshot(_ context.Context, req CaptureRequest) (*Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if c.err != nil {
		return nil, c.err
	}
	path := filepath.Join(c.dir, "snap.png")
	if err := os.WriteFile(path, []byte("\x89PNG fake"), 0o644); err != nil {
		return nil, err
	}
	return &Snapshot{FilePath: path}, nil
}

type stubProbes struct {
	calls  []ProbeCall
	err    error
	probes []*models.WorkItem
}

func (s *stubProbes) RunProbe(_ context.Context, probe *models.WorkItem) (*ProbeResult, error) {
	s.probes = append(s.probes, probe)
	if s.err != nil {
		return nil, s.err
	}
	return &ProbeResult{Item: probe, Calls: s.calls}, nil
}

func testItem() *models.WorkItem {
	return &models.WorkItem{
		ID:               "2",
		Action:           "Open the settings window",
		SuccessCriteria:  "The settings window is visible",
		FallbackEligible: true,
	}
}

func perceptionReply(match bool, confidence float64) oracletest.Step {
	return oracletest.Reply(map[string]any{"match": match, "confidence": confidence, "reason": "scripted"})
}

func routeTo(method models.VerifyMethod) oracletest.Step {
	return oracletest.Reply(map[string]any{"method": string(method), "reason": "scripted"})
}

func TestHeuristicRecommend(t *testing.T) {
	h := NewHeuristic()

	tests := []struct {
		action   string
		method   models.VerifyMethod
		category Category
	}{
		{"Open the browser and navigate to the news site", models.VerifyPerception, CategoryUI},
		{"Save the report as a CSV file in the downloads folder", models.VerifyDataProbe, CategoryData},
		{"Install the package and restart the service", models.VerifyDataProbe, CategoryProcess},
		{"Think about life", models.VerifyPerception, CategoryNone},
	}

	for _, tc := range tests {
		t.Run(tc.action, func(t *testing.T) {
			rec := h.Recommend(tc.action)
			if rec.Method != tc.method || rec.Category != tc.category {
				t.Errorf("Recommend(%q) = %s/%s, expected %s/%s", tc.action, rec.Method, rec.Category, tc.method, tc.category)
			}
		})
	}

	if rec := h.Recommend("Think about life"); rec.Confidence != 0 {
		t.Errorf("expected zero confidence without hits, got %v", rec.Confidence)
	}
	if rec := h.Recommend("click the button"); rec.Confidence != 1 || rec.Matched != "click" {
		t.Errorf("unexpected recommendation %+v", rec)
	}
}

func TestEligibilityOverridesHeuristic(t *testing.T) {
	o := oracletest.New().On(oracle.PurposeEligibility, oracletest.Reply(map[string]any{
		"method":               "data_probe",
		"target_server":        "files",
		"suggested_capability": "files__stat",
		"fallback_eligible":    true,
	}))
	e := NewEligibility(o, func() []string { return []string{"files", "screen"} }, nil, nil)
	item := testItem()

	d := e.Route(context.Background(), item, NewHeuristic().Recommend(item.Action), "")

	if d.Method != models.VerifyDataProbe || d.Source != SourceOracle {
		t.Fatalf("expected oracle data_probe decision, got %+v", d)
	}
	if d.TargetServer != "files" || d.SuggestedCapability != "files__stat" || !d.FallbackEligible {
		t.Errorf("hints not carried: %+v", d)
	}

	req := o.CallsFor(oracle.PurposeEligibility)[0]
	if req.ModelHint != oracle.ModelFast || req.Temperature != 0.1 {
		t.Errorf("expected fast model at 0.1, got %s at %v", req.ModelHint, req.Temperature)
	}
	if !strings.Contains(req.Prompt, "files, screen") {
		t.Errorf("prompt should list servers: %s", req.Prompt)
	}
}

func TestEligibilityHintsAreClosedSets(t *testing.T) {
	o := oracletest.New().On(oracle.PurposeEligibility, oracletest.ReplyText(
		`{"method": "data_probe", "target_server": "ghost", "reason": "made up"}`))
	servers := func() []string { return []string{"files", "screen"} }
	capabilities := func(names []string) []string {
		var out []string
		for _, n := range names {
			out = append(out, n+"__stat")
		}
		return out
	}
	e := NewEligibility(o, servers, capabilities, nil)
	rec := Recommendation{Method: models.VerifyPerception, Category: CategoryUI, Confidence: 1}

	d := e.Route(context.Background(), testItem(), rec, "")
	if d.Source != SourceHeuristic || d.TargetServer != "" {
		t.Errorf("invented server must not survive routing, got %+v", d)
	}

	schema := o.CallsFor(oracle.PurposeEligibility)[0].Schema
	for _, f := range schema.Fields {
		switch f.Name {
		case "target_server":
			if strings.Join(f.Enum, ",") != "files,screen" {
				t.Errorf("target_server enum = %v", f.Enum)
			}
		case "suggested_capability":
			if strings.Join(f.Enum, ",") != "files__stat,screen__stat" {
				t.Errorf("suggested_capability enum = %v", f.Enum)
			}
		}
	}
}

func TestEligibilityFallsBackToHeuristic(t *testing.T) {
	o := oracletest.New().On(oracle.PurposeEligibility, oracletest.Fail(errors.New("down")))
	e := NewEligibility(o, nil, nil, nil)
	rec := Recommendation{Method: models.VerifyPerception, Category: CategoryUI, Confidence: 1}

	d := e.Route(context.Background(), testItem(), rec, "")
	if d.Method != models.VerifyPerception || d.Source != SourceHeuristic {
		t.Errorf("expected heuristic perception, got %+v", d)
	}

	d = e.Route(context.Background(), testItem(), rec, models.VerifyDataProbe)
	if d.Method != models.VerifyDataProbe || d.Source != SourceForced {
		t.Errorf("expected forced data_probe, got %+v", d)
	}
}

func TestPerceptionAcceptsConfidentVerdict(t *testing.T) {
	capt := &recordingCapturer{dir: t.TempDir()}
	o := oracletest.New().On(oracle.PurposePerception, perceptionReply(true, 92))
	p := NewPerception(capt, o, 70, nil)

	v, err := p.Check(context.Background(), testItem(), Decision{CaptureTarget: "Settings"})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !v.Passed || v.Confidence != 92 || v.Method != models.VerifyPerception {
		t.Errorf("unexpected verdict %+v", v)
	}

	req := o.CallsFor(oracle.PurposePerception)[0]
	if len(req.Attachments) != 1 || req.Attachments[0].MediaType != "image/png" {
		t.Errorf("expected one png attachment, got %+v", req.Attachments)
	}
	if capt.requests[0].Mode != ModeWindow || capt.requests[0].Target != "Settings" {
		t.Errorf("first capture should target the window, got %+v", capt.requests[0])
	}
}

func TestPerceptionConfidentMismatchIsConclusive(t *testing.T) {
	o := oracletest.New().On(oracle.PurposePerception, perceptionReply(false, 95))
	p := NewPerception(&recordingCapturer{dir: t.TempDir()}, o, 70, nil)

	v, err := p.Check(context.Background(), testItem(), Decision{})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if v.Passed {
		t.Error("expected a failed verdict")
	}
	if n := len(o.CallsFor(oracle.PurposePerception)); n != 1 {
		t.Errorf("expected 1 attempt, got %d", n)
	}
}

func TestPerceptionEscalatesThenGivesUp(t *testing.T) {
	capt := &recordingCapturer{dir: t.TempDir()}
	o := oracletest.New().On(oracle.PurposePerception, perceptionReply(true, 55))
	p := NewPerception(capt, o, 70, nil)

	_, err := p.Check(context.Background(), testItem(), Decision{})
	var inc *InconclusiveError
	if !errors.As(err, &inc) {
		t.Fatalf("expected InconclusiveError, got %v", err)
	}
	if !strings.Contains(inc.Reason, "confidence 55 below floor 70") {
		t.Errorf("unexpected reason %q", inc.Reason)
	}

	calls := o.CallsFor(oracle.PurposePerception)
	if len(calls) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(calls))
	}
	if calls[0].ModelHint != oracle.ModelFast || calls[1].ModelHint != oracle.ModelStrong {
		t.Errorf("expected fast then strong, got %s then %s", calls[0].ModelHint, calls[1].ModelHint)
	}
	if capt.requests[1].Mode != ModeScreen || capt.requests[1].Target != "full" {
		t.Errorf("second capture should be full screen, got %+v", capt.requests[1])
	}
}

func TestPerceptionRejectsRepairedAnswer(t *testing.T) {
	o := oracletest.New().On(oracle.PurposePerception,
		oracletest.ReplyRepaired(map[string]any{"match": true, "confidence": 99.0, "reason": "?"}),
		perceptionReply(true, 80))
	p := NewPerception(&recordingCapturer{dir: t.TempDir()}, o, 70, nil)

	v, err := p.Check(context.Background(), testItem(), Decision{})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if v.Confidence != 80 {
		t.Errorf("expected the second, structured answer; got %+v", v)
	}
}

func TestPerceptionCaptureFailure(t *testing.T) {
	capt := &recordingCapturer{err: errors.New("no display")}
	p := NewPerception(capt, oracletest.New(), 70, nil)

	_, err := p.Check(context.Background(), testItem(), Decision{})
	var inc *InconclusiveError
	if !errors.As(err, &inc) || !strings.Contains(inc.Reason, "no display") {
		t.Fatalf("expected inconclusive capture failure, got %v", err)
	}
}

func TestEngineFallsBackToDataProbe(t *testing.T) {
	o := oracletest.New().
		On(oracle.PurposeEligibility, routeTo(models.VerifyPerception), oracletest.Reply(map[string]any{
			"method":        "data_probe",
			"target_server": "settings",
		})).
		On(oracle.PurposePerception, perceptionReply(true, 55)).
		On(oracle.PurposeAnalysis, oracletest.Reply(map[string]any{"passed": true, "confidence": 90.0, "reason": "window listed"}))
	probes := &stubProbes{calls: []ProbeCall{{Capability: "settings__list_windows", Output: "Settings (focused)"}}}
	e := NewEngine(DefaultConfig(), Deps{Oracle: o, Capturer: &recordingCapturer{dir: t.TempDir()}, Probes: probes})

	v, err := e.Verify(context.Background(), testItem())
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if !v.Passed || !v.Fallback || v.Method != models.VerifyDataProbe {
		t.Errorf("expected passing data_probe fallback verdict, got %+v", v)
	}
	if len(o.CallsFor(oracle.PurposePerception)) != 2 {
		t.Errorf("expected both perception attempts before fallback")
	}
	if len(probes.probes) != 1 {
		t.Fatalf("expected one probe item, got %d", len(probes.probes))
	}
	probe := probes.probes[0]
	if probe.ID != "verify-2" || !strings.HasPrefix(probe.ID, ProbeIDPrefix) {
		t.Errorf("unexpected probe id %q", probe.ID)
	}
	if len(probe.Servers) != 1 || probe.Servers[0] != "settings" {
		t.Errorf("probe should target the hinted server, got %v", probe.Servers)
	}
}

func TestEngineNoFallbackWhenNotEligible(t *testing.T) {
	o := oracletest.New().
		On(oracle.PurposeEligibility, routeTo(models.VerifyPerception)).
		On(oracle.PurposePerception, perceptionReply(true, 10))
	probes := &stubProbes{}
	e := NewEngine(DefaultConfig(), Deps{Oracle: o, Capturer: &recordingCapturer{dir: t.TempDir()}, Probes: probes})

	item := testItem()
	item.FallbackEligible = false
	_, err := e.Verify(context.Background(), item)

	var inc *InconclusiveError
	if !errors.As(err, &inc) {
		t.Fatalf("expected InconclusiveError, got %v", err)
	}
	if len(probes.probes) != 0 {
		t.Error("probe must not run without fallback eligibility")
	}
}

func TestEngineDataToPerceptionDisabledByDefault(t *testing.T) {
	o := oracletest.New().On(oracle.PurposeEligibility, routeTo(models.VerifyDataProbe))
	capt := &recordingCapturer{dir: t.TempDir()}
	e := NewEngine(DefaultConfig(), Deps{Oracle: o, Capturer: capt, Probes: &stubProbes{err: errors.New("no server")}})

	_, err := e.Verify(context.Background(), testItem())
	var inc *InconclusiveError
	if !errors.As(err, &inc) || inc.Method != models.VerifyDataProbe {
		t.Fatalf("expected data_probe inconclusive, got %v", err)
	}
	if len(capt.requests) != 0 {
		t.Error("perception must not run when data->perception is disabled")
	}
}

func TestEngineBothPathsInconclusive(t *testing.T) {
	o := oracletest.New().
		On(oracle.PurposeEligibility, routeTo(models.VerifyPerception)).
		On(oracle.PurposePerception, perceptionReply(true, 40))
	e := NewEngine(DefaultConfig(), Deps{Oracle: o, Capturer: &recordingCapturer{dir: t.TempDir()}, Probes: &stubProbes{}})

	_, err := e.Verify(context.Background(), testItem())
	var inc *InconclusiveError
	if !errors.As(err, &inc) {
		t.Fatalf("expected InconclusiveError, got %v", err)
	}
	if len(inc.Tried) != 2 {
		t.Errorf("expected both methods tried, got %v", inc.Tried)
	}
	if inc.Retryable() {
		t.Error("inconclusive must not be retryable")
	}
}

func TestDataProbeCriteriaExpression(t *testing.T) {
	probes := &stubProbes{calls: []ProbeCall{{Capability: "files__list", Output: "report.csv\nnotes.txt"}}}
	o := oracletest.New()
	dp := NewDataProbe(probes, o, 70, nil)

	item := testItem()
	item.CriteriaExpr = `!is_error && contains(output, "report.csv")`
	v, err := dp.Check(context.Background(), item, Decision{})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !v.Passed || v.Confidence != 100 {
		t.Errorf("expected criteria pass, got %+v", v)
	}
	if len(o.Calls()) != 0 {
		t.Error("criteria expression must not call the oracle")
	}
}

func TestDataProbeBadExpressionFallsBackToAnalysis(t *testing.T) {
	probes := &stubProbes{calls: []ProbeCall{{Capability: "files__list", Output: "x"}}}
	o := oracletest.New().On(oracle.PurposeAnalysis, oracletest.Reply(map[string]any{"passed": false, "confidence": 88.0, "reason": "missing"}))
	dp := NewDataProbe(probes, o, 70, nil)

	item := testItem()
	item.CriteriaExpr = "contains(output"
	v, err := dp.Check(context.Background(), item, Decision{})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if v.Passed || v.Reason != "missing" {
		t.Errorf("expected analysis verdict, got %+v", v)
	}
}

func TestEvaluateCriteria(t *testing.T) {
	results := []ProbeCall{
		{Capability: "a__b", Output: "Status: RUNNING"},
		{Capability: "a__c", Output: "pid 42", IsError: false},
	}

	tests := []struct {
		expr     string
		expected bool
		wantErr  bool
	}{
		{`contains(output, "RUNNING")`, true, false},
		{`matches(output, "pid [0-9]+")`, true, false},
		{`contains(lower(output), "running") && result_count == 2`, true, false},
		{`is_error`, false, false},
		{`output_len > 1000`, false, false},
		{`result_count + 1`, false, true},
		{`matches(output, "(")`, false, true},
	}

	for _, tc := range tests {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := EvaluateCriteria(tc.expr, results)
			if tc.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tc.expr)
				}
				return
			}
			if err != nil {
				t.Fatalf("EvaluateCriteria(%q) failed: %v", tc.expr, err)
			}
			if got != tc.expected {
				t.Errorf("EvaluateCriteria(%q) = %v, expected %v", tc.expr, got, tc.expected)
			}
		})
	}

	if err := ValidateCriteria("unknown_fn(output)"); err == nil {
		t.Error("expected unknown function to be rejected")
	}
}

type fakeInvoker struct {
	result *mcp.ToolCallResult
	params map[string]any
	called string
}

func (f *fakeInvoker) InvokeQualified(_ context.Context, qualified string, params map[string]any) (*mcp.ToolCallResult, error) {
	f.called = qualified
	f.params = params
	return f.result, nil
}

func TestMCPCapturer(t *testing.T) {
	png := []byte("\x89PNG data")

	tests := []struct {
		name     string
		result   *mcp.ToolCallResult
		wantPath string
		wantData bool
	}{
		{"image block", &mcp.ToolCallResult{Content: []mcp.ContentBlock{{Type: "image", Data: base64.StdEncoding.EncodeToString(png), MimeType: "image/png"}}}, "", true},
		{"json path", &mcp.ToolCallResult{Content: []mcp.ContentBlock{{Type: "text", Text: `{"file_path":"/tmp/s.png"}`}}}, "/tmp/s.png", false},
		{"bare path", &mcp.ToolCallResult{Content: []mcp.ContentBlock{{Type: "text", Text: "/tmp/b.jpg\n"}}}, "/tmp/b.jpg", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			inv := &fakeInvoker{result: tc.result}
			c := NewMCPCapturer(inv, "screen__capture")

			snap, err := c.CaptureSnapshot(context.Background(), CaptureRequest{Mode: ModeWindow, Target: "Notes"})
			if err != nil {
				t.Fatalf("CaptureSnapshot failed: %v", err)
			}
			if inv.called != "screen__capture" || inv.params["target"] != "Notes" {
				t.Errorf("unexpected invocation %s %v", inv.called, inv.params)
			}
			if snap.FilePath != tc.wantPath {
				t.Errorf("FilePath = %q, expected %q", snap.FilePath, tc.wantPath)
			}
			if tc.wantData && string(snap.Data) != string(png) {
				t.Errorf("image data not decoded")
			}
		})
	}

	inv := &fakeInvoker{result: &mcp.ToolCallResult{IsError: true, Content: []mcp.ContentBlock{{Type: "text", Text: "denied"}}}}
	if _, err := NewMCPCapturer(inv, "screen__capture").CaptureSnapshot(context.Background(), CaptureRequest{Mode: ModeScreen}); err == nil {
		t.Error("expected error result to fail")
	}
}

func TestSnapshotImageMediaType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jpeg")
	if err := os.WriteFile(path, []byte("jpg"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, mt, err := (&Snapshot{FilePath: path}).Image()
	if err != nil || mt != "image/jpeg" {
		t.Errorf("Image() = %q, %v; expected image/jpeg", mt, err)
	}
	if _, _, err := (&Snapshot{}).Image(); err == nil {
		t.Error("expected error for empty snapshot")
	}
}

func TestAnalysisPromptKeepsRunesWhole(t *testing.T) {
	output := "x" + strings.Repeat("数据", maxOutputInPrompt)
	prompt := analysisPrompt(testItem(), []ProbeCall{{Capability: "files__read", Output: output}})

	if !utf8.ValidString(prompt) {
		t.Fatal("prompt holds a split rune")
	}
	if strings.Contains(prompt, output) {
		t.Error("long output was not shortened")
	}
	if !strings.Contains(prompt, "...") {
		t.Error("shortened output should be marked")
	}
}
