// Package stages implements the nine concrete orchestrator stages (spec
// §4.5 standard stage catalog): CatalogSetup, Conversion, Organization,
// CalibrationSolve, CalibrationApply, Imaging, Validation, CrossMatch,
// Photometry. Each is a thin orchestrator.Stage adapter onto
// internal/kernel; none contains numerical logic itself.
package stages

// Context key names, shared between stages so one stage's output key
// matches the next stage's input key exactly (spec §4.5 table).
const (
	KeyGroupID           = "group_id"
	KeySubbandPaths      = "subband_paths"
	KeyRefAnt            = "ref_ant"
	KeyCalibratorField   = "calibrator_field"
	KeyCatalogRefs       = "catalog_refs"
	KeyPointingRA        = "pointing_ra"
	KeyPointingDec       = "pointing_dec"
	KeyCatalogSetupState = "catalog_setup_status"
	KeyMSPath            = "ms_path"
	KeyCalibrationTables = "calibration_tables"
	KeyImagePath         = "image_path"
	KeyValidationResults = "validation_results"
	KeyCrossMatchResults = "crossmatch_results"
	KeyPhotometryResults = "photometry_results"
	KeySourceList        = "source_list"
	KeyDetectedSources   = "detected_sources"
	KeyProductDataID     = "product_data_id"
)
