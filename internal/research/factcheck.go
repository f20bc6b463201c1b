package research

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openresearchlab/orchestrator/internal/llm"
	"github.com/openresearchlab/orchestrator/internal/models"
	"github.com/openresearchlab/orchestrator/internal/search"
	"github.com/openresearchlab/orchestrator/internal/thoughtlog"
)

// Claim verification statuses.
const (
	ClaimVerified          = "verified"
	ClaimPartiallyVerified = "partially_verified"
	ClaimContradicted      = "contradicted"
	ClaimUnverifiable      = "unverifiable"
)

// FactChecker cross-checks the most load-bearing claims in the collected
// findings against fresh searches before synthesis. Its report is advisory:
// it rides into the synthesis input as one more finding, it never blocks a
// run.
type FactChecker struct {
	invoker   llm.Invoker
	provider  search.Provider
	params    search.Params
	maxClaims int
	log       *thoughtlog.Log
	logger    *zap.Logger
}

func NewFactChecker(invoker llm.Invoker, provider search.Provider, params search.Params, maxClaims int, log *thoughtlog.Log, logger *zap.Logger) *FactChecker {
	if maxClaims <= 0 {
		maxClaims = 10
	}
	return &FactChecker{
		invoker:   invoker,
		provider:  provider,
		params:    params,
		maxClaims: maxClaims,
		log:       log,
		logger:    logger,
	}
}

// ClaimCheck is the verification outcome of one extracted claim.
type ClaimCheck struct {
	Claim      string
	Angle      string
	Status     string
	Assessment string
	Evidence   []string
}

// FactCheckReport aggregates claim verification into a reliability picture
// the synthesizer folds into the final document.
type FactCheckReport struct {
	ClaimsChecked     int
	Verified          int
	PartiallyVerified int
	Contradicted      int
	Unverifiable      int
	Reliability       float64
	Checks            []ClaimCheck
	Recommendations   []string
	Usage             models.TokenUsage
}

const verifyPromptTemplate = `You are a fact checker verifying a research claim.

CLAIM: %s
RESEARCH CONTEXT: %s

Search results for verification:
%s

Decide whether the claim is:
1. VERIFIED - supported by multiple credible sources
2. PARTIALLY VERIFIED - some support but with caveats
3. CONTRADICTED - contradicted by credible sources
4. UNVERIFIABLE - cannot be definitively verified

State the category first, then your evidence in one or two sentences.`

// Concrete, checkable statements: statistics, attributed claims, and study
// citations. Prose opinions are not worth a verification search.
var claimPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d+(?:\.\d+)?%?\s+of\s+[^.\n]+`),
	regexp.MustCompile(`(?i)according to[^,\n]+,[^.\n]+`),
	regexp.MustCompile(`(?i)studies show[^.\n]+`),
	regexp.MustCompile(`(?i)research indicates[^.\n]+`),
}

const minClaimLength = 20

// CheckFacts extracts checkable claims from the succeeded findings and
// verifies each against an uncached search. It returns a nil report when
// nothing is worth checking; a returned error leaves the run free to
// synthesize without the report.
func (f *FactChecker) CheckFacts(ctx context.Context, runID uuid.UUID, queryText string, results []models.WorkerResult) (*FactCheckReport, error) {
	claims := extractClaims(results)
	f.event(runID, thoughtlog.CategoryEvaluating,
		fmt.Sprintf("Extracted %d claims requiring verification from %d findings", len(claims), len(results)),
		map[string]interface{}{"claims": len(claims)},
	)
	if len(claims) == 0 {
		return nil, nil
	}
	if len(claims) > f.maxClaims {
		claims = claims[:f.maxClaims]
	}

	report := &FactCheckReport{}
	for i, claim := range claims {
		f.event(runID, thoughtlog.CategoryAnalyzing,
			fmt.Sprintf("Verifying claim %d/%d: %s", i+1, len(claims), truncate(claim.Claim, 100)),
			map[string]interface{}{"angle": claim.Angle},
		)
		check, err := f.verify(ctx, queryText, claim)
		if err != nil {
			return nil, err
		}
		report.Checks = append(report.Checks, check)
		switch check.Status {
		case ClaimVerified:
			report.Verified++
		case ClaimPartiallyVerified:
			report.PartiallyVerified++
		case ClaimContradicted:
			report.Contradicted++
		default:
			report.Unverifiable++
		}
	}
	report.ClaimsChecked = len(report.Checks)
	report.Reliability = (float64(report.Verified) + 0.5*float64(report.PartiallyVerified)) / float64(report.ClaimsChecked) * 100
	report.Recommendations = recommendations(report)

	f.event(runID, thoughtlog.CategoryEvaluating,
		fmt.Sprintf("Fact check complete: reliability %.1f%%, %d claims verified, %d contradicted", report.Reliability, report.Verified, report.Contradicted),
		map[string]interface{}{
			"reliability":  report.Reliability,
			"verified":     report.Verified,
			"contradicted": report.Contradicted,
			"unverifiable": report.Unverifiable,
			"partially":    report.PartiallyVerified,
			"total_claims": report.ClaimsChecked,
		},
	)
	f.logger.Info("Fact check complete",
		zap.String("run_id", runID.String()),
		zap.Int("claims", report.ClaimsChecked),
		zap.Float64("reliability", report.Reliability),
	)
	return report, nil
}

// verify runs one uncached verification search and asks the model to judge
// the claim against it. Cached evidence would defeat the point: verification
// must be independent of what the workers already retrieved.
func (f *FactChecker) verify(ctx context.Context, queryText string, claim ClaimCheck) (ClaimCheck, error) {
	res, err := f.provider.Search(ctx, "verify fact check "+claim.Claim, f.params)
	if err != nil {
		if ctx.Err() != nil {
			return claim, ctx.Err()
		}
		claim.Status = ClaimUnverifiable
		claim.Assessment = fmt.Sprintf("verification search failed: %v", err)
		return claim, nil
	}
	if len(res.Items) == 0 {
		claim.Status = ClaimUnverifiable
		claim.Assessment = "no verification sources found"
		return claim, nil
	}

	var sb strings.Builder
	for i, item := range res.Items {
		fmt.Fprintf(&sb, "[%d] %s (%s)\n%s\n\n", i+1, item.Title, item.URL, item.Content)
	}
	comp, err := f.invoker.Invoke(ctx, models.RoleQuality, fmt.Sprintf(verifyPromptTemplate, claim.Claim, queryText, sb.String()))
	if err != nil {
		return claim, fmt.Errorf("verify claim: %w", err)
	}

	claim.Status = parseVerdict(comp.Text)
	claim.Assessment = strings.TrimSpace(comp.Text)
	for i, item := range res.Items {
		if i == 3 {
			break
		}
		claim.Evidence = append(claim.Evidence, item.URL)
	}
	return claim, nil
}

// extractClaims pulls checkable statements out of the succeeded findings,
// deduplicated by their normalized prefix.
func extractClaims(results []models.WorkerResult) []ClaimCheck {
	var claims []ClaimCheck
	seen := make(map[string]bool)
	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		for _, finding := range r.Findings {
			for _, pat := range claimPatterns {
				for _, m := range pat.FindAllString(finding, -1) {
					m = strings.TrimSpace(m)
					if len(m) < minClaimLength {
						continue
					}
					key := strings.ToLower(truncate(m, 50))
					if seen[key] {
						continue
					}
					seen[key] = true
					claims = append(claims, ClaimCheck{Claim: m, Angle: r.Angle})
				}
			}
		}
	}
	return claims
}

func parseVerdict(text string) string {
	up := strings.ToUpper(text)
	switch {
	case strings.Contains(up, "PARTIALLY VERIFIED"):
		return ClaimPartiallyVerified
	case strings.Contains(up, "CONTRADICTED"):
		return ClaimContradicted
	case strings.Contains(up, "VERIFIED"):
		return ClaimVerified
	default:
		return ClaimUnverifiable
	}
}

func recommendations(r *FactCheckReport) []string {
	var recs []string
	if r.Reliability < 70 {
		recs = append(recs, "Consider additional research from more authoritative sources")
	}
	if r.Contradicted > 0 {
		recs = append(recs, "Review contradicted claims and seek clarification from primary sources")
	}
	if r.Unverifiable > 2 {
		recs = append(recs, "Several claims could not be verified; treat these with caution")
	}
	if r.Reliability > 85 {
		recs = append(recs, "Findings show high reliability")
	}
	return recs
}

// Render formats the report as a findings section for synthesis, mirroring
// the shape of the final document.
func (r *FactCheckReport) Render() string {
	var sb strings.Builder
	sb.WriteString("## Fact-Checking Results\n\n")
	fmt.Fprintf(&sb, "**Overall Reliability Score:** %.1f%%\n\n", r.Reliability)
	sb.WriteString("### Verification Summary\n")
	fmt.Fprintf(&sb, "- Total Claims Checked: %d\n", r.ClaimsChecked)
	fmt.Fprintf(&sb, "- Verified Claims: %d\n", r.Verified)
	fmt.Fprintf(&sb, "- Partially Verified: %d\n", r.PartiallyVerified)
	fmt.Fprintf(&sb, "- Contradicted Claims: %d\n", r.Contradicted)
	fmt.Fprintf(&sb, "- Unverifiable Claims: %d\n", r.Unverifiable)

	if r.Contradicted > 0 {
		sb.WriteString("\n### Contradicted Claims\n")
		for _, c := range r.Checks {
			if c.Status == ClaimContradicted {
				fmt.Fprintf(&sb, "- %s\n", c.Claim)
			}
		}
	}
	if len(r.Recommendations) > 0 {
		sb.WriteString("\n### Recommendations\n")
		for _, rec := range r.Recommendations {
			fmt.Fprintf(&sb, "- %s\n", rec)
		}
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func (f *FactChecker) event(runID uuid.UUID, category, content string, meta map[string]interface{}) {
	f.log.Append(thoughtlog.ThoughtEvent{
		RunID:    runID,
		AgentID:  "fact_checker",
		Category: category,
		Content:  content,
		Metadata: meta,
	})
}
