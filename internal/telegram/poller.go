package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/receipt-pipeline/pkg/logger"
)

const (
	welcomeText = "👋 Envíame las fotos de tu ticket. Cuando pasen unos segundos sin fotos nuevas lo procesaré.\nUsa /cancel para descartar las fotos enviadas."
	hintText    = "📸 Envíame una foto del ticket o usa /cancel."
)

// Intake receives photos and commands from chat sessions.
type Intake interface {
	Photo(ctx context.Context, userID, path string) int
	Cancel(ctx context.Context, userID string) int
}

// API is the subset of the Bot API the poller uses.
type API interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
	Download(ctx context.Context, fileID, dir string) (string, error)
	Notify(ctx context.Context, userID, text string) error
}

// Poller long-polls for updates and dispatches them.
type Poller struct {
	api         API
	intake      Intake
	photoDir    string
	pollTimeout time.Duration
	backoff     time.Duration
	logger      *slog.Logger
}

func NewPoller(api API, intake Intake, photoDir string, pollTimeout, backoff time.Duration) *Poller {
	return &Poller{
		api:         api,
		intake:      intake,
		photoDir:    photoDir,
		pollTimeout: pollTimeout,
		backoff:     backoff,
		logger:      logger.WithComponent("telegram-poller"),
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("polling for updates", "timeout", p.pollTimeout)
	var offset int64
	for {
		if ctx.Err() != nil {
			p.logger.Info("poller stopped")
			return nil
		}
		updates, err := p.api.GetUpdates(ctx, offset, p.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Error("getting updates failed", "error", err, "backoff", p.backoff)
			select {
			case <-time.After(p.backoff):
			case <-ctx.Done():
			}
			continue
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			p.Dispatch(ctx, u)
		}
	}
}

// Dispatch handles one update.
func (p *Poller) Dispatch(ctx context.Context, u Update) {
	msg := u.Message
	if msg == nil || msg.From == nil {
		return
	}
	userID := strconv.FormatInt(msg.From.ID, 10)
	log := p.logger.With("user_id", userID, "update_id", u.UpdateID)

	switch {
	case len(msg.Photo) > 0:
		p.photo(ctx, userID, largest(msg.Photo).FileID, log)
	case msg.Document != nil && strings.HasPrefix(msg.Document.MIMEType, "image/"):
		p.photo(ctx, userID, msg.Document.FileID, log)
	case isCommand(msg.Text, "cancel"):
		p.intake.Cancel(ctx, userID)
	case isCommand(msg.Text, "start"), isCommand(msg.Text, "help"):
		p.reply(ctx, userID, welcomeText, log)
	default:
		p.reply(ctx, userID, hintText, log)
	}
}

func (p *Poller) photo(ctx context.Context, userID, fileID string, log *slog.Logger) {
	path, err := p.api.Download(ctx, fileID, p.photoDir)
	if err != nil {
		log.Error("downloading photo failed", "error", err)
		p.reply(ctx, userID, "❌ No se pudo descargar la foto. Inténtalo de nuevo.", log)
		return
	}
	p.intake.Photo(ctx, userID, path)
}

func (p *Poller) reply(ctx context.Context, userID, text string, log *slog.Logger) {
	if err := p.api.Notify(ctx, userID, text); err != nil {
		log.Warn("reply failed", "error", err)
	}
}

// largest picks the highest resolution of a photo.
func largest(sizes []PhotoSize) PhotoSize {
	best := sizes[0]
	for _, s := range sizes[1:] {
		if s.Width*s.Height > best.Width*best.Height {
			best = s
		}
	}
	return best
}

// isCommand matches "/name" and "/name@botname".
func isCommand(text, name string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	cmd, _, _ := strings.Cut(fields[0], "@")
	return strings.EqualFold(cmd, "/"+name)
}
