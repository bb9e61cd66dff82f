package emission

import "github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/fiscal"

// svcRSStates holds the IBGE codes of the states whose contingency service
// is SVC-RS. These are the states authorized by their own SEFAZ or by
// SVAN; the states authorized by SVRS fall back to SVC-AN instead, so a
// contingency never lands on the infrastructure that just failed.
var svcRSStates = map[string]bool{
	"13": true, // AM
	"21": true, // MA
	"26": true, // PE
	"29": true, // BA
	"35": true, // SP
	"41": true, // PR
	"50": true, // MS
	"51": true, // MT
	"52": true, // GO
}

// ContingencyModeForUF maps a state to its designated contingency
// authorization service.
func ContingencyModeForUF(ufCode string) fiscal.EmissionMode {
	if svcRSStates[ufCode] {
		return fiscal.EmissionSVCRS
	}
	return fiscal.EmissionSVCAN
}
