package ethereum

// escrowABI is the subset of the AuctionEscrow contract the engine calls.
const escrowABI = `[
  {"type":"function","name":"createAuction","stateMutability":"nonpayable",
   "inputs":[{"name":"endTime","type":"uint256"},{"name":"autoAcceptPrice","type":"uint256"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"placeBid","stateMutability":"nonpayable",
   "inputs":[{"name":"auctionId","type":"uint256"},{"name":"bidAmount","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"closeAuction","stateMutability":"nonpayable",
   "inputs":[{"name":"auctionId","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"withdrawRefund","stateMutability":"nonpayable",
   "inputs":[],
   "outputs":[]},
  {"type":"function","name":"getAuction","stateMutability":"view",
   "inputs":[{"name":"auctionId","type":"uint256"}],
   "outputs":[
     {"name":"seller","type":"address"},
     {"name":"endTime","type":"uint256"},
     {"name":"highestBid","type":"uint256"},
     {"name":"highestBidder","type":"address"},
     {"name":"autoAcceptPrice","type":"uint256"},
     {"name":"isActive","type":"bool"},
     {"name":"isClosed","type":"bool"}]},
  {"type":"function","name":"getBid","stateMutability":"view",
   "inputs":[{"name":"auctionId","type":"uint256"},{"name":"bidder","type":"address"}],
   "outputs":[
     {"name":"bidderAddress","type":"address"},
     {"name":"amount","type":"uint256"},
     {"name":"timestamp","type":"uint256"},
     {"name":"refunded","type":"bool"}]},
  {"type":"function","name":"usdcToken","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"pendingRefunds","stateMutability":"view",
   "inputs":[{"name":"","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"AuctionCreated","anonymous":false,
   "inputs":[
     {"name":"auctionId","type":"uint256","indexed":true},
     {"name":"seller","type":"address","indexed":true},
     {"name":"endTime","type":"uint256","indexed":false},
     {"name":"autoAcceptPrice","type":"uint256","indexed":false}]},
  {"type":"event","name":"AuctionClosed","anonymous":false,
   "inputs":[
     {"name":"auctionId","type":"uint256","indexed":true},
     {"name":"winner","type":"address","indexed":true},
     {"name":"finalBid","type":"uint256","indexed":false}]}
]`

// erc20ABI covers the USDC reads made before a bid is submitted.
const erc20ABI = `[
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"account","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]}
]`
