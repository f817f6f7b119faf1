package activities

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.temporal.io/sdk/activity"

	"github.com/Abby263/docugen/internal/llm"
	"github.com/Abby263/docugen/internal/pipeline"
)

const (
	maxBulletsPerSlide = 5
	caveatBullet       = "Limited evidence was found for this topic; treat it as preliminary."
)

type slideResponse struct {
	Title   string   `json:"title"`
	Bullets []string `json:"bullets"`
	Notes   string   `json:"notes"`
}

// WritePresentation renders the draft into a slide deck. The model proposes
// a theme for the requested style; the style's stock theme is used when it
// cannot.
func (a *Activities) WritePresentation(ctx context.Context, in WriteInput) (doc pipeline.FinalDocument, err error) {
	ctx, done := a.stageScope(ctx, in.RunID, pipeline.StageWritePresentation)
	defer func() { err = done(err) }()

	out, err := a.writeDeck(ctx, in)
	if err != nil {
		return pipeline.FinalDocument{}, err
	}
	activity.GetLogger(ctx).Info("Presentation written",
		"run_id", in.RunID,
		"slides", len(out.Slides),
		"style", out.Design.Style,
		"speaker_notes", in.Request.Options.SpeakerNotes,
	)
	return *out, nil
}

func (a *Activities) writeDeck(ctx context.Context, in WriteInput) (*pipeline.FinalDocument, error) {
	stage := pipeline.StageWritePresentation
	if len(in.Draft.Sections) == 0 {
		return nil, pipeline.InputError(stage, "draft has no sections", nil)
	}
	opts := in.Request.Options
	doc := a.newDocument(in.Request, in.Draft.Title, pipeline.KindSlides)
	doc.Bibliography = buildBibliography(in.Draft, in.Sources)
	design := a.designDeck(ctx, in)
	doc.Design = &design
	index := doc.CitationIndex()

	// Every section needs at least one slide; spare slides become section
	// dividers in front of body sections.
	dividers := 0
	if want := opts.SlideCount; want > 1+len(in.Draft.Sections) {
		dividers = want - 1 - len(in.Draft.Sections)
	}

	slides := []pipeline.Slide{{
		Type:    pipeline.SlideTitle,
		Title:   doc.Title,
		Bullets: []string{in.Request.RawQuery},
	}}
	if opts.SpeakerNotes {
		slides[0].Notes = fmt.Sprintf("Welcome the audience and introduce the topic: %s.", doc.Title)
	}

	for i, ds := range in.Draft.Sections {
		heartbeat(ctx, i)
		if ds.Role == pipeline.RoleBody && dividers > 0 {
			dividers--
			div := pipeline.Slide{Type: pipeline.SlideSection, Title: ds.Heading}
			if opts.SpeakerNotes {
				div.Notes = fmt.Sprintf("Transition to the next part: %s.", ds.Heading)
			}
			slides = append(slides, div)
		}

		slide := pipeline.Slide{
			Type:      pipeline.SlideContent,
			Title:     ds.Heading,
			Citations: append([]string{}, ds.Citations...),
			Caveat:    ds.Sparse,
			HasChart:  hasStatistics(ds.Points),
		}
		if ds.Role == pipeline.RoleConclusion {
			slide.Type = pipeline.SlideConclusion
		}
		markers := markerList(ds.Citations, index)

		if ds.Sparse && len(ds.Citations) == 0 {
			slide.Bullets = []string{caveatBullet}
			if opts.SpeakerNotes {
				slide.Notes = "Acknowledge that the research found little on this point."
			}
		} else {
			resp, err := a.writeSlide(ctx, in.Request, ds, markers, in.Constraint)
			if err != nil {
				return nil, err
			}
			if t := strings.TrimSpace(resp.Title); t != "" {
				slide.Title = t
			}
			slide.Bullets = resp.Bullets
			slide.Bullets[len(slide.Bullets)-1] = ensureMarkers(slide.Bullets[len(slide.Bullets)-1], markers)
			if ds.Sparse {
				slide.Bullets = append(slide.Bullets, caveatBullet)
			}
			if opts.SpeakerNotes {
				slide.Notes = resp.Notes
				if strings.TrimSpace(slide.Notes) == "" {
					slide.Notes = pipeline.Truncate(ds.Body, 400)
				}
			}
		}
		slides = append(slides, slide)
	}

	linkSlides(slides)
	doc.Slides = slides

	if err := pipeline.CheckCitationIntegrity(&in.Draft, doc); err != nil {
		return nil, pipeline.IntegrityError(stage, "writer broke citation integrity", err)
	}
	if err := pipeline.CheckSectionsAttributed(doc); err != nil {
		return nil, pipeline.IntegrityError(stage, "unattributed slide", err)
	}
	if opts.SpeakerNotes {
		for _, s := range doc.Slides {
			if strings.TrimSpace(s.Notes) == "" {
				return nil, pipeline.IntegrityError(stage, fmt.Sprintf("slide %d is missing speaker notes", s.Number), nil)
			}
		}
	}
	return doc, nil
}

// writeSlide asks for the bullets of one content slide, falling back to the
// section's points when the response cannot be used.
func (a *Activities) writeSlide(ctx context.Context, req pipeline.Request, ds pipeline.DraftSection, markers []string, constraint string) (slideResponse, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Presentation topic: %s\nSlide topic: %s\n", req.RawQuery, ds.Heading)
	b.WriteString("Source notes:\n")
	for _, p := range ds.Points {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	if len(markers) > 0 {
		fmt.Fprintf(&b, "Cite with these markers only: %s\n", strings.Join(markers, " "))
	}
	if req.Options.Style != "" {
		fmt.Fprintf(&b, "Presentation style: %s\n", req.Options.Style)
	}
	if constraint != "" {
		fmt.Fprintf(&b, "Editor's instruction: %s\n", constraint)
	}
	fmt.Fprintf(&b, "Write at most %d short bullets", maxBulletsPerSlide)
	if req.Options.SpeakerNotes {
		b.WriteString(" and a short speaker-notes paragraph")
	}
	b.WriteString(`. Return {"title": "...", "bullets": ["..."], "notes": "..."}`)

	var resp slideResponse
	ok, err := a.completeJSON(ctx, pipeline.StageWritePresentation, b.String(),
		llm.DefaultParams().WithSystem(writerSystem), &resp)
	if err != nil {
		return slideResponse{}, err
	}
	resp.Bullets = pipeline.DedupeFold(resp.Bullets)
	if !ok || len(resp.Bullets) == 0 {
		resp = slideResponse{Notes: ds.Body}
		for _, p := range ds.Points {
			resp.Bullets = append(resp.Bullets, pipeline.Truncate(p, 140))
		}
		if len(resp.Bullets) == 0 {
			resp.Bullets = []string{ds.Heading}
		}
	}
	if len(resp.Bullets) > maxBulletsPerSlide {
		resp.Bullets = resp.Bullets[:maxBulletsPerSlide]
	}
	return resp, nil
}

// linkSlides numbers slides from 1 and sets prev/next navigation.
func linkSlides(slides []pipeline.Slide) {
	for i := range slides {
		slides[i].Number = i + 1
		slides[i].Prev, slides[i].Next = 0, 0
		if i > 0 {
			slides[i].Prev = i
		}
		if i < len(slides)-1 {
			slides[i].Next = i + 2
		}
	}
}

func hasStatistics(points []string) bool {
	for _, p := range points {
		if statistic.MatchString(p) {
			return true
		}
	}
	return false
}

var designs = map[string]pipeline.DesignSpec{
	"ted": {
		Style: "ted", Primary: "#E62B1E", Secondary: "#000000", Accent: "#FFFFFF",
		Background: "#000000", Text: "#FFFFFF", TitleFont: "Helvetica Neue", BodyFont: "Helvetica",
		LayoutStyle: "full-bleed", AnimationStyle: "fade",
		ChartColors: []string{"#E62B1E", "#FFFFFF", "#8C8C8C", "#FF6F61"},
	},
	"business": {
		Style: "business", Primary: "#1F3A5F", Secondary: "#4A6FA5", Accent: "#F2A541",
		Background: "#FFFFFF", Text: "#1B1B1B", TitleFont: "Calibri", BodyFont: "Calibri",
		LayoutStyle: "grid", AnimationStyle: "none",
		ChartColors: []string{"#1F3A5F", "#4A6FA5", "#F2A541", "#9DB4C0"},
	},
	"academic": {
		Style: "academic", Primary: "#2C3E50", Secondary: "#7F8C8D", Accent: "#C0392B",
		Background: "#FDFDFD", Text: "#2C3E50", TitleFont: "Georgia", BodyFont: "Garamond",
		LayoutStyle: "text-heavy", AnimationStyle: "none",
		ChartColors: []string{"#2C3E50", "#7F8C8D", "#C0392B", "#BDC3C7"},
	},
	"creative": {
		Style: "creative", Primary: "#6C5CE7", Secondary: "#00B894", Accent: "#FD79A8",
		Background: "#FFF8F0", Text: "#2D3436", TitleFont: "Montserrat", BodyFont: "Open Sans",
		LayoutStyle: "asymmetric", AnimationStyle: "slide",
		ChartColors: []string{"#6C5CE7", "#00B894", "#FD79A8", "#FDCB6E"},
	},
	"simple": {
		Style: "simple", Primary: "#333333", Secondary: "#666666", Accent: "#0077CC",
		Background: "#FFFFFF", Text: "#222222", TitleFont: "Arial", BodyFont: "Arial",
		LayoutStyle: "centered", AnimationStyle: "none",
		ChartColors: []string{"#0077CC", "#333333", "#999999", "#66B2FF"},
	},
}

// DesignForStyle returns the deck theme for a style; unknown styles get the
// business theme.
func DesignForStyle(style string) pipeline.DesignSpec {
	d, ok := designs[strings.ToLower(strings.TrimSpace(style))]
	if !ok {
		d = designs["business"]
	}
	d.ChartColors = append([]string(nil), d.ChartColors...)
	return d
}

type designResponse struct {
	Primary        string   `json:"primary_color"`
	Secondary      string   `json:"secondary_color"`
	Accent         string   `json:"accent_color"`
	Background     string   `json:"background_color"`
	Text           string   `json:"text_color"`
	TitleFont      string   `json:"title_font"`
	BodyFont       string   `json:"body_font"`
	LayoutStyle    string   `json:"layout_style"`
	AnimationStyle string   `json:"animation_style"`
	ChartColors    []string `json:"chart_colors"`
}

var hexColor = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// designDeck asks the model for a theme and falls back to the stock theme of
// the style on any failure. A deck being rewritten keeps its theme.
func (a *Activities) designDeck(ctx context.Context, in WriteInput) pipeline.DesignSpec {
	if in.Design != nil {
		d := *in.Design
		d.ChartColors = append([]string(nil), in.Design.ChartColors...)
		return d
	}
	base := DesignForStyle(in.Request.Options.Style)
	var b strings.Builder
	fmt.Fprintf(&b, "Presentation: %s\nTopic: %s\nStyle: %s\n", in.Draft.Title, in.Request.RawQuery, base.Style)
	fmt.Fprintf(&b, "Stock theme: colors %s %s %s on %s, text %s, fonts %s and %s, %s layout.\n",
		base.Primary, base.Secondary, base.Accent, base.Background, base.Text, base.TitleFont, base.BodyFont, base.LayoutStyle)
	b.WriteString("Design a visual theme suited to this topic and style. Colors are #RRGGBB. " +
		`Return {"primary_color": "", "secondary_color": "", "accent_color": "", "background_color": "", "text_color": "", ` +
		`"title_font": "", "body_font": "", "layout_style": "", "animation_style": "", "chart_colors": ["", ""]}`)

	var resp designResponse
	ok, err := a.completeJSON(ctx, pipeline.StageWritePresentation, b.String(),
		llm.DefaultParams().WithSystem(designerSystem).WithTemperature(0.4), &resp)
	if err != nil {
		activity.GetLogger(ctx).Warn("Theme design failed, using stock theme", "style", base.Style, "error", err.Error())
		return base
	}
	if !ok {
		return base
	}
	d, err := mergeDesign(base, resp)
	if err != nil {
		activity.GetLogger(ctx).Warn("Model theme rejected, using stock theme", "style", base.Style, "error", err.Error())
		return base
	}
	return d
}

// mergeDesign validates a proposed theme. Colors must all be valid; fonts,
// layout and animation left empty keep the stock values.
func mergeDesign(base pipeline.DesignSpec, r designResponse) (pipeline.DesignSpec, error) {
	colors := []struct {
		name  string
		value string
		dst   *string
	}{
		{"primary", r.Primary, &base.Primary},
		{"secondary", r.Secondary, &base.Secondary},
		{"accent", r.Accent, &base.Accent},
		{"background", r.Background, &base.Background},
		{"text", r.Text, &base.Text},
	}
	for _, c := range colors {
		v := strings.TrimSpace(c.value)
		if !hexColor.MatchString(v) {
			return base, fmt.Errorf("%s color %q is not #RRGGBB", c.name, c.value)
		}
		*c.dst = strings.ToUpper(v)
	}
	if strings.EqualFold(base.Background, base.Text) {
		return base, fmt.Errorf("text color matches the background")
	}
	for _, f := range []struct {
		value string
		dst   *string
	}{
		{r.TitleFont, &base.TitleFont},
		{r.BodyFont, &base.BodyFont},
		{r.LayoutStyle, &base.LayoutStyle},
		{r.AnimationStyle, &base.AnimationStyle},
	} {
		if v := strings.TrimSpace(f.value); v != "" {
			*f.dst = v
		}
	}
	var chart []string
	for _, c := range r.ChartColors {
		if c = strings.TrimSpace(c); hexColor.MatchString(c) {
			chart = append(chart, strings.ToUpper(c))
		}
	}
	if len(chart) >= 2 {
		base.ChartColors = chart
	}
	return base, nil
}

const designerSystem = "You are a presentation designer. You answer with a single JSON object."
