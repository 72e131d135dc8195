package receipt

import "testing"

func TestValidateRejectsUnknownProofMode(t *testing.T) {
	r := Run{ProofMode: "bogus"}
	if err := r.Validate(); err == nil {
		t.Fatal("expected an error for an unknown proof mode")
	}
}

func TestValidateConcordantRequiresEpsilon(t *testing.T) {
	r := Run{ProofMode: ProofConcordant}
	if err := r.Validate(); err == nil {
		t.Fatal("expected an error when concordant mode omits epsilon")
	}
}

func TestValidateConcordantRejectsNegativeEpsilon(t *testing.T) {
	eps := -0.5
	r := Run{ProofMode: ProofConcordant, Epsilon: &eps}
	if err := r.Validate(); err == nil {
		t.Fatal("expected an error for a negative epsilon")
	}
}

func TestValidateAcceptsConcordantWithZeroEpsilon(t *testing.T) {
	eps := 0.0
	r := Run{ProofMode: ProofConcordant, Epsilon: &eps}
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsOutOfOrderSteps(t *testing.T) {
	r := Run{
		ProofMode: ProofExact,
		Steps: []StepConfig{
			{OrderIndex: 0},
			{OrderIndex: 2},
		},
	}
	if err := r.Validate(); err == nil {
		t.Fatal("expected an error for a step whose order_index does not match its position")
	}
}

func TestStepConfigIsInteractive(t *testing.T) {
	standard := StepConfig{CheckpointType: CheckpointStandard}
	if standard.IsInteractive() {
		t.Fatal("a standard step must not report IsInteractive")
	}
	chat := StepConfig{CheckpointType: CheckpointInteractiveChat}
	if !chat.IsInteractive() {
		t.Fatal("an InteractiveChat step must report IsInteractive")
	}
}
