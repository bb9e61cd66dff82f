package authority

import (
	"fmt"
	"time"

	"github.com/Antonio-JDev/S3E-System-PRO-sub001/internal/core/fiscal"
)

// Endpoints holds the service URLs of one authority endpoint set. There is
// one set per send mode: the primary state authority and the two designated
// contingency authorities (SVC-AN and SVC-RS) publish separate URLs.
type Endpoints struct {
	Authorization  string
	ReceiptQuery   string
	ProtocolQuery  string
	StatusService  string
	Invalidation   string
	EventReception string
}

// Config parameterizes a Client by environment, issuer identification and
// the endpoint sets it may submit through.
type Config struct {
	Environment fiscal.Environment
	UFCode      string // IBGE state code used in status/invalidation calls
	CNPJ        string // issuer tax id used in event and invalidation calls
	Timeout     time.Duration
	Endpoints   map[fiscal.EmissionMode]Endpoints
}

func (c Config) endpoints(mode fiscal.EmissionMode) (Endpoints, error) {
	eps, ok := c.Endpoints[mode]
	if !ok {
		return Endpoints{}, fmt.Errorf("authority: no endpoints configured for send mode %s", mode)
	}
	return eps, nil
}

// WSDL namespaces of the versioned services, one per operation.
const (
	nsAuthorization  = "http://www.portalfiscal.inf.br/nfe/wsdl/NFeAutorizacao4"
	nsReceiptQuery   = "http://www.portalfiscal.inf.br/nfe/wsdl/NFeRetAutorizacao4"
	nsProtocolQuery  = "http://www.portalfiscal.inf.br/nfe/wsdl/NFeConsultaProtocolo4"
	nsStatusService  = "http://www.portalfiscal.inf.br/nfe/wsdl/NFeStatusServico4"
	nsInvalidation   = "http://www.portalfiscal.inf.br/nfe/wsdl/NFeInutilizacao4"
	nsEventReception = "http://www.portalfiscal.inf.br/nfe/wsdl/NFeRecepcaoEvento4"
)
