package bias

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/zen-systems/carepath/pkg/clinical"
)

// Pipeline runs detection and mitigation over remote-model answers.
type Pipeline struct {
	lexicon *Lexicon
	logger  zerolog.Logger
}

// NewPipeline creates a pipeline. A nil lexicon uses the built-in one.
func NewPipeline(lexicon *Lexicon, logger zerolog.Logger) (*Pipeline, error) {
	if lexicon == nil {
		var err error
		if lexicon, err = DefaultLexicon(); err != nil {
			return nil, err
		}
	}
	return &Pipeline{lexicon: lexicon, logger: logger}, nil
}

// Process scans and mitigates text produced by a backend of the given kind.
// Only remote-model output is scanned; curated rule and retrieval text is
// returned as is with a nil report. Processing never fails the answer: on
// any internal error the original text comes back unmodified.
func (p *Pipeline) Process(kind clinical.Kind, text string, patient clinical.PatientContext) (out string, report *clinical.BiasReport) {
	if kind != clinical.KindRemoteModel {
		return text, nil
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Err(fmt.Errorf("%v", r)).
				Msg("bias analysis failed, returning original text")
			out, report = text, nil
		}
	}()

	detected := p.lexicon.Detect(text, patient)
	mitigated, changes := p.lexicon.Mitigate(text, detected)
	for _, c := range changes {
		detected.Mitigations = append(detected.Mitigations, c.String())
	}

	if detected.Overall != clinical.SeverityNone {
		p.logger.Info().
			Str("severity", string(detected.Overall)).
			Int("categories", len(detected.Categories)).
			Int("changes", len(changes)).
			Msg("bias detected in answer")
	}
	return mitigated, &detected
}
