// Package timeline implements the per-entity stage state machine: the fixed
// stage templates, transition legality and the unlock-next-stage rule.
//
// Timelines are treated as immutable values. Every transition returns a new
// timeline and leaves its input untouched.
package timeline

import (
	"fmt"

	"github.com/dharsanguruparan/HarvestTrace/internal/model"
)

// TemplateVersion changes whenever a template below changes shape.
const TemplateVersion = 1

// BatchReadyStage is the batch stage that marks a lot as available for
// product assembly. A batch is eligible while this stage is pending.
const BatchReadyStage = 6

// StageTemplate is the static part of a stage.
type StageTemplate struct {
	ID          int
	Title       string
	AllowedRole model.Role
}

var batchTemplate = []StageTemplate{
	{ID: 1, Title: "Cultivation & Harvest", AllowedRole: model.RoleFarmer},
	{ID: 2, Title: "Processor Receipt", AllowedRole: model.RoleProcessor},
	{ID: 3, Title: "Processing", AllowedRole: model.RoleProcessor},
	{ID: 4, Title: "Supplier Receipt", AllowedRole: model.RoleSupplier},
	{ID: 5, Title: "Supplier Dispatch", AllowedRole: model.RoleSupplier},
	{ID: 6, Title: "Ready for Formulation", AllowedRole: model.RoleManufacturer},
}

var productTemplate = []StageTemplate{
	{ID: 1, Title: "Product Assembly", AllowedRole: model.RoleManufacturer},
	{ID: 2, Title: "Formulation", AllowedRole: model.RoleManufacturer},
	{ID: 3, Title: "Manufacturing", AllowedRole: model.RoleManufacturer},
	{ID: 4, Title: "Distribution", AllowedRole: model.RoleDistributor},
	{ID: 5, Title: "Retail", AllowedRole: model.RoleRetailer},
	{ID: 6, Title: "Consumer Scan", AllowedRole: model.RoleConsumer},
}

func init() {
	for kind, tpl := range map[model.EntityKind][]StageTemplate{
		model.KindBatch:   batchTemplate,
		model.KindProduct: productTemplate,
	} {
		if err := checkTemplate(tpl); err != nil {
			panic(fmt.Sprintf("timeline: corrupt %s template: %v", kind, err))
		}
	}
	if BatchReadyStage > len(batchTemplate) {
		panic("timeline: batch ready stage outside template")
	}
}

// Template returns a copy of the stage template for kind.
func Template(kind model.EntityKind) []StageTemplate {
	switch kind {
	case model.KindBatch:
		return append([]StageTemplate(nil), batchTemplate...)
	case model.KindProduct:
		return append([]StageTemplate(nil), productTemplate...)
	}
	panic(fmt.Sprintf("timeline: no template for kind %q", kind))
}

func checkTemplate(tpl []StageTemplate) error {
	if len(tpl) == 0 {
		return fmt.Errorf("empty template")
	}
	for i, st := range tpl {
		if st.ID != i+1 {
			return fmt.Errorf("stage %d has id %d", i+1, st.ID)
		}
		if st.Title == "" {
			return fmt.Errorf("stage %d has no title", st.ID)
		}
		if !st.AllowedRole.Valid() {
			return fmt.Errorf("stage %d has invalid role %q", st.ID, st.AllowedRole)
		}
	}
	return nil
}
