// Package platform drives the video platform's studio UI to perform one
// upload: pick the file, fill metadata, set visibility, wait out
// processing, and read back the watch URL. It speaks rod against a session
// from the browser pool and paces its interactions like a person would.
package platform

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/Averden/uploadmatrix/internal/browser"
	"github.com/Averden/uploadmatrix/internal/humanize"
	"github.com/Averden/uploadmatrix/internal/types"
)

// Selectors for the studio upload dialog. The UI is a web component tree;
// ids are stable across releases, tag names are not, so ids anchor
// everything.
const (
	selFileInput     = `input[type="file"]`
	selTitleBox      = `#title-textarea #textbox`
	selDescBox       = `#description-textarea #textbox`
	selNextButton    = `#next-button`
	selDoneButton    = `#done-button`
	selPrivacyRadio  = `tp-yt-paper-radio-button[name=%q]`
	selProgressLabel = `.progress-label`
	selResultLink    = `a.ytcp-video-info`
	selErrorDialog   = `.error-short, ytcp-uploads-dialog .error`
)

// Config holds uploader tunables.
type Config struct {
	UploadURL    string        // entry point that opens the upload dialog
	StepTimeout  time.Duration // per element-interaction deadline
	PollInterval time.Duration // progress poll cadence
}

func (c *Config) applyDefaults() {
	if c.UploadURL == "" {
		c.UploadURL = "https://www.youtube.com/upload"
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
}

// Uploader performs studio uploads on pooled sessions.
type Uploader struct {
	cfg    Config
	timing *humanize.Timing
}

// New creates an uploader.
func New(cfg Config) *Uploader {
	cfg.applyDefaults()
	return &Uploader{cfg: cfg, timing: humanize.NewTiming()}
}

// Upload runs the full flow and returns the published video URL. The
// context carries the overall attempt deadline; each UI step additionally
// has its own shorter timeout.
func (u *Uploader) Upload(ctx context.Context, sess *browser.Session, job *types.Job, report func(percent int, stage string)) (string, error) {
	page, err := sess.NewPage(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = page.Close() }()

	win := sess.WindowName
	logger := log.With().Str("window_name", win).Str("job_id", job.ID).Logger()

	report(0, "navigating")
	if err := page.Context(ctx).Navigate(u.cfg.UploadURL); err != nil {
		return "", types.NewUploadError(types.CategoryBrowser, win,
			fmt.Sprintf("navigate upload page: %v", err), true, err)
	}
	if err := page.Context(ctx).WaitLoad(); err != nil {
		logger.Warn().Err(err).Msg("Upload page load wait failed, continuing")
	}
	if err := u.checkPage(ctx, page, win); err != nil {
		return "", err
	}

	report(5, "selecting_file")
	fileInput, err := u.element(ctx, page, selFileInput)
	if err != nil {
		return "", u.failure(ctx, page, win, "locate file input", err)
	}
	if err := fileInput.SetFiles([]string{job.Video.SourcePath}); err != nil {
		return "", types.NewUploadError(types.CategoryBrowser, win,
			fmt.Sprintf("attach video file: %v", err), true, err)
	}
	u.pause(ctx)

	report(10, "filling_metadata")
	if err := u.fillMetadata(ctx, page, win, job); err != nil {
		return "", err
	}

	report(20, "setting_visibility")
	if err := u.setVisibility(ctx, page, win, job.Video); err != nil {
		return "", err
	}

	report(25, "uploading")
	if err := u.waitUploaded(ctx, page, win, report); err != nil {
		return "", err
	}

	report(95, "publishing")
	resultURL, err := u.publish(ctx, page, win)
	if err != nil {
		return "", err
	}

	logger.Info().Str("result_url", resultURL).Msg("Studio upload finished")
	return resultURL, nil
}

// fillMetadata types the title, description, and tags into the details
// step. Typing goes through select-all-and-replace because the dialog
// pre-fills the title from the filename.
func (u *Uploader) fillMetadata(ctx context.Context, page *rod.Page, win string, job *types.Job) error {
	title, err := u.element(ctx, page, selTitleBox)
	if err != nil {
		return u.failure(ctx, page, win, "locate title box", err)
	}
	if err := u.replaceText(ctx, title, job.Video.Title); err != nil {
		return types.NewUploadError(types.CategoryBrowser, win,
			fmt.Sprintf("enter title: %v", err), true, err)
	}
	u.pause(ctx)

	if job.Video.Description != "" {
		desc, err := u.element(ctx, page, selDescBox)
		if err != nil {
			return u.failure(ctx, page, win, "locate description box", err)
		}
		if err := u.replaceText(ctx, desc, job.Video.Description); err != nil {
			return types.NewUploadError(types.CategoryBrowser, win,
				fmt.Sprintf("enter description: %v", err), true, err)
		}
		u.pause(ctx)
	}
	return nil
}

// setVisibility walks the dialog to the visibility step and picks the radio
// matching the job's privacy. A future ScheduleAt keeps the video private
// with the platform's own scheduler armed.
func (u *Uploader) setVisibility(ctx context.Context, page *rod.Page, win string, video types.VideoSpec) error {
	// Details -> checks -> visibility.
	for i := 0; i < 3; i++ {
		next, err := u.element(ctx, page, selNextButton)
		if err != nil {
			return u.failure(ctx, page, win, "advance upload dialog", err)
		}
		if err := u.click(ctx, page, next); err != nil {
			return types.NewUploadError(types.CategoryBrowser, win,
				fmt.Sprintf("advance upload dialog: %v", err), true, err)
		}
		u.pause(ctx)
	}

	name := privacyRadioName(video)
	radio, err := u.element(ctx, page, fmt.Sprintf(selPrivacyRadio, name))
	if err != nil {
		return u.failure(ctx, page, win, "locate visibility option", err)
	}
	if err := u.click(ctx, page, radio); err != nil {
		return types.NewUploadError(types.CategoryBrowser, win,
			fmt.Sprintf("select visibility: %v", err), true, err)
	}
	u.pause(ctx)
	return nil
}

// waitUploaded polls the progress label until the byte transfer and the
// platform's checks complete, forwarding coarse percentages.
func (u *Uploader) waitUploaded(ctx context.Context, page *rod.Page, win string, report func(int, string)) error {
	lastPercent := 25
	for {
		if err := u.checkPage(ctx, page, win); err != nil {
			return err
		}

		label, err := u.progressText(ctx, page)
		if err != nil {
			return types.NewUploadError(types.CategoryBrowser, win,
				fmt.Sprintf("read upload progress: %v", err), true, err)
		}

		if uploadSettled(label) {
			return nil
		}
		if p, ok := parseProgress(label); ok {
			// Map transfer 0-100% onto the 25-95 band of the job.
			scaled := 25 + p*70/100
			if scaled > lastPercent {
				lastPercent = scaled
				report(scaled, "uploading")
			}
		}

		if !humanize.SleepWithContext(ctx, u.cfg.PollInterval) {
			return ctx.Err()
		}
	}
}

// publish presses done and reads the watch URL off the confirmation pane.
func (u *Uploader) publish(ctx context.Context, page *rod.Page, win string) (string, error) {
	done, err := u.element(ctx, page, selDoneButton)
	if err != nil {
		return "", u.failure(ctx, page, win, "locate done button", err)
	}
	if err := u.click(ctx, page, done); err != nil {
		return "", types.NewUploadError(types.CategoryBrowser, win,
			fmt.Sprintf("confirm upload: %v", err), true, err)
	}
	u.pause(ctx)

	link, err := u.element(ctx, page, selResultLink)
	if err != nil {
		return "", u.failure(ctx, page, win, "locate result link", err)
	}
	href, err := link.Attribute("href")
	if err != nil || href == nil || *href == "" {
		return "", types.NewUploadError(types.CategoryUnknown, win,
			"published but no result link found", false, err)
	}
	return *href, nil
}

// checkPage scans the page's visible text for known failure messages and
// converts matches into classified errors.
func (u *Uploader) checkPage(ctx context.Context, page *rod.Page, win string) error {
	res, err := page.Context(ctx).Eval(`() => document.body ? document.body.innerText : ""`)
	if err != nil {
		return types.NewUploadError(types.CategoryBrowser, win,
			fmt.Sprintf("inspect page: %v", err), true, err)
	}
	info, found := DetectFailure(evalText(res.Value))
	if !found {
		return nil
	}
	log.Warn().
		Str("window_name", win).
		Str("code", info.Code).
		Str("category", string(info.Category)).
		Msg("Platform reported upload failure")
	return types.NewUploadError(info.Category, win, info.Description, info.Retryable,
		fmt.Errorf("platform failure %s", info.Code))
}

// failure re-checks the page before surfacing a generic element error, so a
// "can't find the next button" caused by a suspension banner classifies as
// the suspension, not as a flaky browser.
func (u *Uploader) failure(ctx context.Context, page *rod.Page, win, step string, cause error) error {
	if err := u.checkPage(ctx, page, win); err != nil {
		return err
	}
	return types.NewUploadError(types.CategoryBrowser, win,
		fmt.Sprintf("%s: %v", step, cause), true, cause)
}

func (u *Uploader) element(ctx context.Context, page *rod.Page, sel string) (*rod.Element, error) {
	stepCtx, cancel := context.WithTimeout(ctx, u.cfg.StepTimeout)
	defer cancel()
	return page.Context(stepCtx).Element(sel)
}

// click brings the element into view in eased increments, then routes the
// press through the humanized mouse so pointer traces look organic.
func (u *Uploader) click(ctx context.Context, page *rod.Page, el *rod.Element) error {
	if err := humanize.NewScroller(page).ScrollToElement(ctx, el); err != nil {
		return err
	}
	return humanize.NewMouse(page).ClickElement(ctx, el)
}

// replaceText clears the element and types the replacement with per-key
// delays.
func (u *Uploader) replaceText(ctx context.Context, el *rod.Element, text string) error {
	if err := el.SelectAllText(); err != nil {
		return err
	}
	for _, r := range text {
		if err := el.Input(string(r)); err != nil {
			return err
		}
		if !humanize.SleepWithContext(ctx, u.timing.TypingDelay()) {
			return ctx.Err()
		}
	}
	return nil
}

func (u *Uploader) pause(ctx context.Context) {
	humanize.SleepWithContext(ctx, u.timing.PostActionDelay())
}

func (u *Uploader) progressText(ctx context.Context, page *rod.Page) (string, error) {
	res, err := page.Context(ctx).Eval(fmt.Sprintf(
		`() => { const el = document.querySelector(%q); return el ? el.innerText : ""; }`,
		selProgressLabel))
	if err != nil {
		return "", err
	}
	return evalText(res.Value), nil
}

// evalText pulls a string out of an eval result, tolerating null values
// from pages that have not finished rendering.
func evalText(v gson.JSON) string {
	if v.Nil() {
		return ""
	}
	return v.Str()
}

// privacyRadioName maps a VideoSpec to the studio radio name. Scheduled
// videos stay private until the platform publishes them.
func privacyRadioName(video types.VideoSpec) string {
	if !video.ScheduleAt.IsZero() {
		return "PRIVATE"
	}
	switch video.Privacy {
	case types.PrivacyPublic:
		return "PUBLIC"
	case types.PrivacyUnlisted:
		return "UNLISTED"
	default:
		return "PRIVATE"
	}
}

var progressRe = regexp.MustCompile(`(\d{1,3})\s*%`)

// parseProgress extracts a percentage from the studio progress label, e.g.
// "Uploading 43% ..." or "43 % hochgeladen".
func parseProgress(label string) (int, bool) {
	m := progressRe.FindStringSubmatch(label)
	if m == nil {
		return 0, false
	}
	p, err := strconv.Atoi(m[1])
	if err != nil || p > 100 {
		return 0, false
	}
	return p, true
}

// uploadSettled reports whether the progress label says the transfer and
// checks are done.
func uploadSettled(label string) bool {
	l := strings.ToLower(label)
	return strings.Contains(l, "upload complete") ||
		strings.Contains(l, "uploads complete") ||
		strings.Contains(l, "checks complete") ||
		strings.Contains(l, "processing")
}
