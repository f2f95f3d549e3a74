package ledger

// arbitratorABI covers the arbitrator views and events the sync layer reads.
const arbitratorABI = `[
{"type":"function","name":"period","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
{"type":"function","name":"session","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"lastPeriodChange","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"timePerPeriod","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"disputes","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[
 {"name":"arbitrated","type":"address"},
 {"name":"session","type":"uint256"},
 {"name":"appeals","type":"uint256"},
 {"name":"choices","type":"uint256"},
 {"name":"initialNumberJurors","type":"uint256"},
 {"name":"arbitrationFeePerJuror","type":"uint256"},
 {"name":"state","type":"uint8"}]},
{"type":"function","name":"disputeStatus","stateMutability":"view","inputs":[{"name":"_disputeID","type":"uint256"}],"outputs":[{"name":"","type":"uint8"}]},
{"type":"function","name":"currentRuling","stateMutability":"view","inputs":[{"name":"_disputeID","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getVoteCount","stateMutability":"view","inputs":[{"name":"_disputeID","type":"uint256"},{"name":"_appeals","type":"uint256"},{"name":"_choice","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"amountJurors","stateMutability":"view","inputs":[{"name":"_disputeID","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"isDrawn","stateMutability":"view","inputs":[{"name":"_disputeID","type":"uint256"},{"name":"_juror","type":"address"},{"name":"_draw","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"validDraws","stateMutability":"view","inputs":[{"name":"_jurorAddress","type":"address"},{"name":"_disputeID","type":"uint256"},{"name":"_draws","type":"uint256[]"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"getVoteAccount","stateMutability":"view","inputs":[{"name":"_disputeID","type":"uint256"},{"name":"_appeals","type":"uint256"},{"name":"_voteID","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"jurors","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[
 {"name":"balance","type":"uint256"},
 {"name":"atStake","type":"uint256"},
 {"name":"lastSession","type":"uint256"},
 {"name":"segmentStart","type":"uint256"},
 {"name":"segmentEnd","type":"uint256"}]},
{"type":"function","name":"arbitrationCost","stateMutability":"view","inputs":[{"name":"_extraData","type":"bytes"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"event","name":"NewPeriod","anonymous":false,"inputs":[{"name":"_period","type":"uint8","indexed":false},{"name":"_session","type":"uint256","indexed":true}]},
{"type":"event","name":"TokenShift","anonymous":false,"inputs":[{"name":"_account","type":"address","indexed":true},{"name":"_disputeID","type":"uint256","indexed":false},{"name":"_amount","type":"int256","indexed":false}]},
{"type":"event","name":"ArbitrationReward","anonymous":false,"inputs":[{"name":"_account","type":"address","indexed":true},{"name":"_disputeID","type":"uint256","indexed":false},{"name":"_amount","type":"uint256","indexed":false}]},
{"type":"event","name":"DisputeCreation","anonymous":false,"inputs":[{"name":"_disputeID","type":"uint256","indexed":true},{"name":"_arbitrable","type":"address","indexed":true}]},
{"type":"event","name":"AppealPossible","anonymous":false,"inputs":[{"name":"_disputeID","type":"uint256","indexed":true},{"name":"_arbitrable","type":"address","indexed":true}]},
{"type":"event","name":"AppealDecision","anonymous":false,"inputs":[{"name":"_disputeID","type":"uint256","indexed":true},{"name":"_arbitrable","type":"address","indexed":true}]}
]`

// agreementABI covers the two-party arbitrable agreement getters.
const agreementABI = `[
{"type":"function","name":"arbitrator","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"partyA","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"partyB","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"partyAFee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"partyBFee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"status","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
{"type":"function","name":"disputeID","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"arbitratorExtraData","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes"}]},
{"type":"function","name":"amount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`
