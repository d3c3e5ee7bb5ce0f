package recognition

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"davomat/internal/apiclient"
	"davomat/internal/logger"
	"davomat/internal/roster"
)

// ErrUnknownPerson is returned when the identified person is on no roster.
var ErrUnknownPerson = errors.New("identified person not on any roster")

// Logger is the part of the upstream client the service needs.
type Logger interface {
	LogFaceRecognition(ctx context.Context, entry apiclient.RecognitionLog) error
}

// Directory looks people up by id.
type Directory interface {
	Entry(id string) (roster.Entry, bool)
}

// Service identifies a face, resolves the person against the rosters and
// sends a log entry upstream without waiting for it.
type Service struct {
	recognizer Recognizer
	upstream   Logger
	rosters    []Directory
	log        *logger.Logger
	now        func() time.Time

	wg sync.WaitGroup
}

// NewService builds a service.
func NewService(r Recognizer, upstream Logger, log *logger.Logger, rosters ...Directory) *Service {
	if log == nil {
		log = logger.Discard()
	}
	return &Service{recognizer: r, upstream: upstream, rosters: rosters, log: log.Named("recognition"), now: time.Now}
}

// Recognize identifies the face in imageURL and logs the result upstream.
// personID is the person the capture is attributed to, if known.
func (s *Service) Recognize(ctx context.Context, personID, imageURL string) (apiclient.RecognitionLog, error) {
	m, err := s.recognizer.Identify(ctx, imageURL, personID)
	if err != nil {
		return apiclient.RecognitionLog{}, err
	}
	var (
		entry roster.Entry
		found bool
	)
	for _, r := range s.rosters {
		if entry, found = r.Entry(m.PersonID); found {
			break
		}
	}
	if !found {
		return apiclient.RecognitionLog{}, ErrUnknownPerson
	}

	rec := apiclient.RecognitionLog{
		ID:         uuid.NewString(),
		PersonID:   entry.ID,
		PersonName: entry.Name,
		Role:       string(entry.Role),
		Confidence: m.Confidence,
		Timestamp:  s.now().UTC(),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.upstream.LogFaceRecognition(ctx, rec); err != nil {
			s.log.Warnf("log recognition for %s: %v", rec.PersonID, err)
		}
	}()
	return rec, nil
}

// Wait blocks until pending upstream logs finish.
func (s *Service) Wait() {
	s.wg.Wait()
}
