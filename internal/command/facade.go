// Package command validates discrete device commands and forwards them to the
// sensor's native command layer.
package command

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"golang.org/x/time/rate"

	"github.com/banshee-data/vision-bridge/internal/monitoring"
)

// ErrInvalidArgument is wrapped by every validation failure. No native call
// is made when it is returned.
var ErrInvalidArgument = errors.New("invalid argument")

// NativeClient is the sensor's native command session.
type NativeClient interface {
	// ExecCommand sends one command line. When expectResponse is set the
	// payload line following the status is returned.
	ExecCommand(ctx context.Context, host, password, command string, expectResponse bool) ([]byte, error)
	// ReadImage returns the raw bytes of the last acquired image.
	ReadImage(ctx context.Context, host, password string) ([]byte, error)
}

// MaxEvent is the highest software event number accepted by TriggerEvent.
// Event 8 is the acquisition trigger.
const MaxEvent = 8

var cellPattern = regexp.MustCompile(`^[A-Z][0-9]{3}$`)

// ValidateCell reports whether cell is a spreadsheet address such as "A005".
func ValidateCell(cell string) error {
	if !cellPattern.MatchString(cell) {
		return fmt.Errorf("%w: cell %q must be a column letter and a three digit row", ErrInvalidArgument, cell)
	}
	return nil
}

func validateString(value string) error {
	if value == "" {
		return fmt.Errorf("%w: empty string value", ErrInvalidArgument)
	}
	for i := 0; i < len(value); i++ {
		if c := value[i]; c < 0x20 || c > 0x7e {
			return fmt.Errorf("%w: byte 0x%02x at %d is not printable ASCII", ErrInvalidArgument, c, i)
		}
	}
	return nil
}

// Option configures a Facade.
type Option func(*Facade)

// WithRateLimit makes every command wait on a token bucket first.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(f *Facade) {
		f.limiter = rate.NewLimiter(limit, burst)
	}
}

// WithMetrics counts commands by verb and result.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(f *Facade) {
		f.metrics = m
	}
}

// Facade is safe for concurrent use as long as the NativeClient is.
type Facade struct {
	client   NativeClient
	host     string
	password string
	limiter  *rate.Limiter
	metrics  *monitoring.Metrics
}

// NewFacade returns a Facade issuing commands to host with password.
func NewFacade(client NativeClient, host, password string, opts ...Option) *Facade {
	f := &Facade{client: client, host: host, password: password}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Facade) exec(ctx context.Context, verb, cmd string, expectResponse bool) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	out, err := f.client.ExecCommand(ctx, f.host, f.password, cmd, expectResponse)
	f.metrics.Command(verb, err)
	return out, err
}

// GetCell reads the value of a spreadsheet cell.
func (f *Facade) GetCell(ctx context.Context, cell string) (string, error) {
	if err := ValidateCell(cell); err != nil {
		return "", err
	}
	out, err := f.exec(ctx, "GV", "GV"+cell, true)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// SetCellInt writes an integer into a cell.
func (f *Facade) SetCellInt(ctx context.Context, cell string, value int) error {
	if err := ValidateCell(cell); err != nil {
		return err
	}
	_, err := f.exec(ctx, "SI", "SI"+cell+strconv.Itoa(value), false)
	return err
}

// SetCellFloat writes a float into a cell with four decimal places.
func (f *Facade) SetCellFloat(ctx context.Context, cell string, value float64) error {
	if err := ValidateCell(cell); err != nil {
		return err
	}
	_, err := f.exec(ctx, "SF", fmt.Sprintf("SF%s%.4f", cell, value), false)
	return err
}

// SetCellString writes printable ASCII text into a cell.
func (f *Facade) SetCellString(ctx context.Context, cell, value string) error {
	if err := ValidateCell(cell); err != nil {
		return err
	}
	if err := validateString(value); err != nil {
		return err
	}
	_, err := f.exec(ctx, "SS", "SS"+cell+value, false)
	return err
}

// TriggerAcquisition fires the acquisition software event.
func (f *Facade) TriggerAcquisition(ctx context.Context) error {
	_, err := f.exec(ctx, "SW", "SW8", false)
	return err
}

// TriggerEvent fires software event n, 0 through MaxEvent.
func (f *Facade) TriggerEvent(ctx context.Context, n int) error {
	if n < 0 || n > MaxEvent {
		return fmt.Errorf("%w: event %d out of range 0-%d", ErrInvalidArgument, n, MaxEvent)
	}
	_, err := f.exec(ctx, "SW", "SW"+strconv.Itoa(n), false)
	return err
}
