package vision

import (
	"strings"
	"testing"

	"github.com/Tstrebe2/mads-capstone-medical-imaging/tensor"
)

func TestBuildBackboneKnownNames(t *testing.T) {
	tests := []struct {
		name         string
		featureWidth int
	}{
		{"densenet121", 1024},
		{"densenet169", 1664},
		{"densenet201", 1920},
	}

	for _, tt := range tests {
		backbone, err := BuildBackbone(tt.name, 1, tensor.CPU)
		if err != nil {
			t.Fatalf("BuildBackbone(%s) failed: %v", tt.name, err)
		}
		if backbone.FeatureWidth() != tt.featureWidth {
			t.Errorf("%s: expected feature width %d, got %d", tt.name, tt.featureWidth, backbone.FeatureWidth())
		}
		if backbone.InputChannels() != 1 {
			t.Errorf("%s: expected 1 input channel, got %d", tt.name, backbone.InputChannels())
		}
	}
}

func TestBuildBackboneUnknownName(t *testing.T) {
	_, err := BuildBackbone("resnet50", 1, tensor.CPU)
	if err == nil {
		t.Fatal("Expected error for unknown backbone, got nil")
	}
	if !strings.Contains(err.Error(), "densenet121") {
		t.Errorf("Expected error to list available backbones, got: %v", err)
	}
}

func TestBackboneNamesSorted(t *testing.T) {
	names := BackboneNames()
	expected := []string{"densenet121", "densenet169", "densenet201"}

	found := 0
	for _, want := range expected {
		for _, name := range names {
			if name == want {
				found++
				break
			}
		}
	}
	if found != len(expected) {
		t.Fatalf("Expected names to include %v, got %v", expected, names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Fatalf("Expected sorted names, got %v", names)
		}
	}
}

func TestRegisterBackbone(t *testing.T) {
	RegisterBackbone("densenet-tiny", func(inputChannels int, device tensor.DeviceType) (Backbone, error) {
		return newDenseNet(inputChannels, 2, 4, 2, []int{1, 1}, device)
	})

	backbone, err := BuildBackbone("densenet-tiny", 2, tensor.CPU)
	if err != nil {
		t.Fatalf("BuildBackbone failed for registered builder: %v", err)
	}
	if backbone.FeatureWidth() != 5 {
		t.Errorf("Expected feature width 5, got %d", backbone.FeatureWidth())
	}
	if backbone.InputChannels() != 2 {
		t.Errorf("Expected 2 input channels, got %d", backbone.InputChannels())
	}
}
