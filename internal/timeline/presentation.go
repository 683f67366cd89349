package timeline

import "github.com/dharsanguruparan/HarvestTrace/internal/model"

// Display carries presentation-only metadata for a stage. It is kept apart
// from StageEvent and joined by the transport layer when rendering.
type Display struct {
	Icon     string `json:"icon"`
	LabelKey string `json:"labelKey"`
}

var displays = map[model.EntityKind]map[int]Display{
	model.KindBatch: {
		1: {Icon: "sprout", LabelKey: "timeline.batch.cultivation"},
		2: {Icon: "package-check", LabelKey: "timeline.batch.processorReceipt"},
		3: {Icon: "factory", LabelKey: "timeline.batch.processing"},
		4: {Icon: "warehouse", LabelKey: "timeline.batch.supplierReceipt"},
		5: {Icon: "truck", LabelKey: "timeline.batch.supplierDispatch"},
		6: {Icon: "flask-conical", LabelKey: "timeline.batch.readyForFormulation"},
	},
	model.KindProduct: {
		1: {Icon: "boxes", LabelKey: "timeline.product.assembly"},
		2: {Icon: "flask-conical", LabelKey: "timeline.product.formulation"},
		3: {Icon: "factory", LabelKey: "timeline.product.manufacturing"},
		4: {Icon: "truck", LabelKey: "timeline.product.distribution"},
		5: {Icon: "store", LabelKey: "timeline.product.retail"},
		6: {Icon: "scan-line", LabelKey: "timeline.product.consumerScan"},
	},
}

// Presentation looks up display metadata for a stage. Unknown stages get a
// generic icon.
func Presentation(kind model.EntityKind, stageID int) Display {
	if d, ok := displays[kind][stageID]; ok {
		return d
	}
	return Display{Icon: "circle", LabelKey: "timeline.unknown"}
}
